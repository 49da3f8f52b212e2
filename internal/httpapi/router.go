// Package httpapi exposes the gateway to the shelter dashboard over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adrianmcphee/shelterbase"
)

const (
	defaultTopBreeds = 5
	maxBodyBytes     = 1 << 20
)

type Options struct {
	Gateway  *shelterbase.Gateway
	Logger   shelterbase.Logger
	Gatherer prometheus.Gatherer
	Profiler *shelterbase.QueryProfiler
}

func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = &shelterbase.NoOpLogger{}
	}
	h := &handlers{gw: opts.Gateway, logger: opts.Logger, profiler: opts.Profiler}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Profiler != nil {
		r.Get("/debug/queries", h.querySummary)
	}

	r.Route("/animals", func(r chi.Router) {
		r.Get("/", h.read)
		r.Post("/", h.create)
		r.Patch("/", h.update)
		r.Delete("/", h.delete)
		r.Get("/near", h.near)
	})
	r.Post("/aggregate", h.aggregate)
	r.Get("/analytics/top-breeds", h.topBreeds)

	return r
}

type handlers struct {
	gw       *shelterbase.Gateway
	logger   shelterbase.Logger
	profiler *shelterbase.QueryProfiler
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	state := h.gw.State()
	status := http.StatusOK
	if state != shelterbase.StateConnected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"state": state.String(),
		"cache": h.gw.CacheStats(),
	})
}

func (h *handlers) querySummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.profiler.GetSummary())
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if !decodeBody(w, r, &doc) {
		return
	}
	id, err := h.gw.Create(r.Context(), shelterbase.Document(doc))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"_id": id})
}

// read takes filter as a JSON query parameter, fields as a comma list and
// offset, limit or after for paging.
func (h *handlers) read(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := filterParam(q.Get("filter"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := pageParams(q.Get("offset"), q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page.After = q.Get("after")

	query := shelterbase.NewQuery(f).WithPage(page)
	if fields := q.Get("fields"); fields != "" {
		query = query.WithProjection(strings.Split(fields, ",")...)
	}

	docs, err := h.gw.Read(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": docs, "count": len(docs)})
}

type updateRequest struct {
	Filter  map[string]any `json:"filter"`
	Changes map[string]any `json:"changes"`
}

func (h *handlers) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	f, err := shelterbase.ParseFilter(req.Filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	changes, err := shelterbase.ParseChanges(req.Changes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.gw.Update(r.Context(), f, changes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matched": res.Matched, "modified": res.Modified})
}

type deleteRequest struct {
	Filter map[string]any `json:"filter"`
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	f, err := shelterbase.ParseFilter(req.Filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.gw.Delete(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": res.Deleted})
}

// near takes lon and lat; meters and limit fall back to the gateway defaults.
func (h *handlers) near(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var g shelterbase.GeoQuery
	var err error
	if g.Longitude, err = floatParam(q.Get("lon"), "lon"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if g.Latitude, err = floatParam(q.Get("lat"), "lat"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if s := q.Get("meters"); s != "" {
		if g.MaxMeters, err = floatParam(s, "meters"); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if s := q.Get("limit"); s != "" {
		if g.Limit, err = intParam(s, "limit"); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if g.Filter, err = filterParam(q.Get("filter")); err != nil {
		h.writeError(w, r, err)
		return
	}

	docs, err := h.gw.Near(r.Context(), g)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": docs, "count": len(docs)})
}

type aggregateRequest struct {
	Pipeline []map[string]any `json:"pipeline"`
}

func (h *handlers) aggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := shelterbase.ParsePipeline(req.Pipeline)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rows, err := h.gw.RunAggregation(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *handlers) topBreeds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k := defaultTopBreeds
	if s := q.Get("k"); s != "" {
		var err error
		if k, err = intParam(s, "k"); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	f, err := filterParam(q.Get("filter"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	breeds, err := h.gw.TopBreeds(r.Context(), f, k)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breeds": breeds})
}

func filterParam(s string) (shelterbase.Filter, error) {
	if s == "" {
		return shelterbase.Filter{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return shelterbase.Filter{}, shelterbase.Wrap(shelterbase.ErrQuery, err, map[string]interface{}{"param": "filter"})
	}
	return shelterbase.ParseFilter(raw)
}

func pageParams(offset, limit string) (shelterbase.Pagination, error) {
	var p shelterbase.Pagination
	var err error
	if offset != "" {
		if p.Offset, err = intParam(offset, "offset"); err != nil {
			return p, err
		}
	}
	if limit != "" {
		if p.Limit, err = intParam(limit, "limit"); err != nil {
			return p, err
		}
	}
	return p, nil
}

func intParam(s, name string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, shelterbase.Wrap(shelterbase.ErrQuery, err, map[string]interface{}{"param": name})
	}
	return n, nil
}

func floatParam(s, name string) (float64, error) {
	if s == "" {
		return 0, shelterbase.WithContext(shelterbase.ErrQuery, map[string]interface{}{"param": name, "reason": "required"})
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, shelterbase.Wrap(shelterbase.ErrQuery, err, map[string]interface{}{"param": name})
	}
	return f, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch shelterbase.ErrorKind(err) {
	case "validation":
		return http.StatusUnprocessableEntity
	case "forbidden_field":
		return http.StatusForbidden
	case "unsafe_operation", "query":
		return http.StatusBadRequest
	case "connection":
		return http.StatusServiceUnavailable
	case "timeout":
		return http.StatusGatewayTimeout
	case "write":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]any{
		"error":   shelterbase.ErrorKind(err),
		"message": err.Error(),
	}
	var se *shelterbase.SchemaError
	if errors.As(err, &se) {
		body["fields"] = se.Fields()
	}
	var fe *shelterbase.ForbiddenFieldError
	if errors.As(err, &fe) {
		body["fields"] = fe.Fields
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(logger shelterbase.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}
