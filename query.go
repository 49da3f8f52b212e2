package shelterbase

import (
	"strings"
)

// Pagination selects a window of the result set. Offset and After are
// mutually exclusive; After resumes strictly after the given _id. A zero
// Limit means the gateway's configured page size.
type Pagination struct {
	Offset int
	Limit  int
	After  string
}

// Query is a read request: filter, optional projection, optional pagination.
type Query struct {
	Filter     Filter
	Projection []string
	Page       Pagination
}

// NewQuery builds a query over f with no projection and default paging.
func NewQuery(f Filter) Query {
	return Query{Filter: f}
}

// WithProjection returns q restricted to fields (plus _id).
func (q Query) WithProjection(fields ...string) Query {
	q.Projection = append([]string(nil), fields...)
	return q
}

// WithPage returns q with pagination set.
func (q Query) WithPage(p Pagination) Query {
	q.Page = p
	return q
}

// Validate checks projection and pagination bounds.
func (q Query) Validate() error {
	for _, f := range q.Projection {
		if f == "" || strings.HasPrefix(f, "$") {
			return WithContext(ErrQuery, map[string]interface{}{
				"projection": f,
				"reason":     "projection fields may not be empty or start with '$'",
			})
		}
	}
	if q.Page.Offset < 0 {
		return WithContext(ErrQuery, map[string]interface{}{"offset": q.Page.Offset, "reason": "must be non-negative"})
	}
	if q.Page.Limit < 0 || q.Page.Limit > MaxPageSize {
		return WithContext(ErrQuery, map[string]interface{}{"limit": q.Page.Limit, "reason": "out of range"})
	}
	if q.Page.After != "" && q.Page.Offset > 0 {
		return WithContext(ErrQuery, map[string]interface{}{"reason": "offset and cursor cannot be combined"})
	}
	return nil
}

// FindOptions is what the gateway pushes down to the store for a read.
// Results are ordered by _id.
type FindOptions struct {
	Projection []string
	Skip       int
	Limit      int
	AfterID    string
}

// GeoQuery asks for records near a point, closest first.
type GeoQuery struct {
	Longitude float64
	Latitude  float64
	MaxMeters float64
	Limit     int
	Filter    Filter
}

// Validate checks coordinate ranges and bounds.
func (g GeoQuery) Validate() error {
	if !finite(g.Longitude) || !finite(g.Latitude) || g.Longitude < -180 || g.Longitude > 180 || g.Latitude < -90 || g.Latitude > 90 {
		return WithContext(ErrQuery, map[string]interface{}{
			"longitude": g.Longitude,
			"latitude":  g.Latitude,
			"reason":    "coordinates out of range",
		})
	}
	if !finite(g.MaxMeters) || g.MaxMeters <= 0 {
		return WithContext(ErrQuery, map[string]interface{}{"max_meters": g.MaxMeters, "reason": "must be positive"})
	}
	if g.Limit <= 0 || g.Limit > MaxPageSize {
		return WithContext(ErrQuery, map[string]interface{}{"limit": g.Limit, "reason": "out of range"})
	}
	return nil
}
