package shelterbase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// IndexKind is the ordering or geometry of one index key.
type IndexKind string

const (
	IndexAsc      IndexKind = "asc"
	IndexDesc     IndexKind = "desc"
	Index2DSphere IndexKind = "2dsphere"
)

// IndexKey is one field of an index.
type IndexKey struct {
	Field string
	Kind  IndexKind
}

// IndexSpec declares a (possibly compound) index.
type IndexSpec struct {
	Name string
	Keys []IndexKey
}

// Fields returns the indexed fields in key order.
func (s IndexSpec) Fields() []string {
	out := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		out[i] = k.Field
	}
	return out
}

// IsGeo reports whether the spec contains a 2dsphere key.
func (s IndexSpec) IsGeo() bool {
	for _, k := range s.Keys {
		if k.Kind == Index2DSphere {
			return true
		}
	}
	return false
}

// IndexName derives the conventional name, e.g. "species_1_outcome_type_1".
func (s IndexSpec) IndexName() string {
	if s.Name != "" {
		return s.Name
	}
	parts := make([]string, 0, len(s.Keys)*2)
	for _, k := range s.Keys {
		suffix := "1"
		switch k.Kind {
		case IndexDesc:
			suffix = "-1"
		case Index2DSphere:
			suffix = "2dsphere"
		}
		parts = append(parts, k.Field, suffix)
	}
	return strings.Join(parts, "_")
}

func (s IndexSpec) validate() error {
	if len(s.Keys) == 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{"index": s.Name, "reason": "index has no keys"})
	}
	for _, k := range s.Keys {
		if k.Field == "" || strings.HasPrefix(k.Field, "$") {
			return WithContext(ErrInvalidConfig, map[string]interface{}{"index": s.Name, "reason": "invalid index field"})
		}
		switch k.Kind {
		case IndexAsc, IndexDesc, Index2DSphere:
		default:
			return WithContext(ErrInvalidConfig, map[string]interface{}{"index": s.Name, "kind": string(k.Kind), "reason": "unknown index kind"})
		}
	}
	return nil
}

// DefaultIndexes is the index set for shelter records: the compound
// species/outcome index, the geospatial index, and the single-field indexes
// the dashboard filters on.
func DefaultIndexes() []IndexSpec {
	return []IndexSpec{
		{Keys: []IndexKey{{FieldSpecies, IndexAsc}, {FieldOutcomeType, IndexAsc}}},
		{Keys: []IndexKey{{FieldLocation, Index2DSphere}}},
		{Keys: []IndexKey{{FieldBreed, IndexAsc}}},
		{Keys: []IndexKey{{FieldCity, IndexAsc}, {FieldState, IndexAsc}}},
		{Keys: []IndexKey{{FieldAdopted, IndexAsc}}},
	}
}

// IndexManager declares the index set on the store and answers which filter
// fields a declared index covers.
type IndexManager struct {
	store   DocumentStore
	specs   []IndexSpec
	logger  Logger
	metrics Metrics

	degraded atomic.Bool
	mu       sync.RWMutex
	ensured  []string
}

// NewIndexManager creates an index manager for specs. With no specs it uses
// DefaultIndexes.
func NewIndexManager(store DocumentStore, logger Logger, metrics Metrics, specs ...IndexSpec) *IndexManager {
	if len(specs) == 0 {
		specs = DefaultIndexes()
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &IndexManager{
		store:   store,
		specs:   specs,
		logger:  logger,
		metrics: metrics,
	}
}

// Specs returns the declared index set.
func (im *IndexManager) Specs() []IndexSpec {
	return append([]IndexSpec(nil), im.specs...)
}

// Ensure declares every index. It is idempotent and safe to call on every
// startup. A privilege failure is logged and leaves the manager degraded
// with a nil error; any other failure is returned.
func (im *IndexManager) Ensure(ctx context.Context) ([]string, error) {
	for _, s := range im.specs {
		if err := s.validate(); err != nil {
			return nil, err
		}
	}

	names, err := im.store.CreateIndexes(ctx, im.specs)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			im.degraded.Store(true)
			im.metrics.Gauge(MetricIndexDegraded, 1)
			im.logger.Warn("index creation not permitted; continuing with degraded read performance",
				"indexes", len(im.specs),
				"error", err,
			)
			return nil, nil
		}
		im.metrics.Increment(MetricIndexErrors, "op", "ensure")
		return nil, err
	}

	im.degraded.Store(false)
	im.metrics.Gauge(MetricIndexDegraded, 0)
	im.metrics.Gauge(MetricIndexEnsured, float64(len(names)))

	im.mu.Lock()
	im.ensured = append([]string(nil), names...)
	im.mu.Unlock()

	im.logger.Info("indexes ensured", "indexes", names)
	return names, nil
}

// Degraded reports whether the last Ensure hit a privilege failure.
func (im *IndexManager) Degraded() bool {
	return im.degraded.Load()
}

// Ensured returns the index names reported by the last successful Ensure.
func (im *IndexManager) Ensured() []string {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return append([]string(nil), im.ensured...)
}

// Covering returns the declared index whose key prefix covers the most of
// fields, and whether any index applies at all.
func (im *IndexManager) Covering(fields []string) (IndexSpec, bool) {
	set := toSet(fields)
	var best IndexSpec
	bestLen := 0
	for _, s := range im.specs {
		n := 0
		for _, k := range s.Keys {
			if _, ok := set[k.Field]; !ok {
				break
			}
			n++
		}
		if n > bestLen {
			best, bestLen = s, n
		}
	}
	return best, bestLen > 0
}

// Unindexed returns the filter fields no declared index can serve. A field
// counts as indexed when it sits in some index whose preceding keys are all
// filtered too. _id is always indexed.
func (im *IndexManager) Unindexed(fields []string) []string {
	set := toSet(fields)
	covered := map[string]struct{}{IDField: {}}
	for _, s := range im.specs {
		for _, k := range s.Keys {
			if _, ok := set[k.Field]; !ok {
				break
			}
			covered[k.Field] = struct{}{}
		}
	}
	var out []string
	for _, f := range fields {
		if _, ok := covered[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

func toSet(fields []string) map[string]struct{} {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
