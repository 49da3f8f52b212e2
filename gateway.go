package shelterbase

import (
	"context"
	"errors"
	"time"
)

// Gateway is the validated, cached access path to one collection. All
// methods are safe for concurrent use; no lock is held across store calls.
type Gateway struct {
	store      DocumentStore
	schema     *Schema
	allow      AllowList
	cache      *Cache
	indexes    *IndexManager
	engine     *AggregationEngine
	profiler   *QueryProfiler
	logger     Logger
	metrics    Metrics
	collection string
	timeout    time.Duration
	pageSize   int
	validator  bool
	now        func() time.Time

	indexSpecs []IndexSpec
	cacheCfg   *CacheConfig
	noCache    bool
	conn       connection
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger (default: NoOpLogger).
func WithLogger(l Logger) Option { return func(g *Gateway) { g.logger = l } }

// WithMetrics sets the metrics sink (default: NoOpMetrics).
func WithMetrics(m Metrics) Option { return func(g *Gateway) { g.metrics = m } }

// WithCache uses c instead of a default-sized cache.
func WithCache(c *Cache) Option { return func(g *Gateway) { g.cache = c } }

// WithCacheConfig sizes the cache the gateway creates for itself.
func WithCacheConfig(cfg CacheConfig) Option { return func(g *Gateway) { g.cacheCfg = &cfg } }

// WithoutCache sends every read to the store.
func WithoutCache() Option { return func(g *Gateway) { g.noCache = true } }

// WithTimeout bounds every store call (default 5s).
func WithTimeout(d time.Duration) Option { return func(g *Gateway) { g.timeout = d } }

// WithSchema replaces the record schema (default AnimalSchema).
func WithSchema(s *Schema) Option { return func(g *Gateway) { g.schema = s } }

// WithMutableFields replaces the update allow-list.
func WithMutableFields(fields ...string) Option {
	return func(g *Gateway) { g.allow = NewAllowList(fields...) }
}

// WithIndexes replaces the declared index set (default DefaultIndexes).
func WithIndexes(specs ...IndexSpec) Option { return func(g *Gateway) { g.indexSpecs = specs } }

// WithStoreValidation installs the schema as a store-side validator on Connect.
func WithStoreValidation(on bool) Option { return func(g *Gateway) { g.validator = on } }

// WithCollection names the collection in keys, logs and metrics.
func WithCollection(name string) Option { return func(g *Gateway) { g.collection = name } }

// WithPageSize sets the limit applied to reads that do not set one.
func WithPageSize(n int) Option { return func(g *Gateway) { g.pageSize = n } }

// WithProfiler records a QueryProfile for every read and aggregation.
func WithProfiler(p *QueryProfiler) Option { return func(g *Gateway) { g.profiler = p } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

// New creates a disconnected gateway over store. Call Connect before use.
func New(store DocumentStore, opts ...Option) (*Gateway, error) {
	if store == nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"reason": "store is required"})
	}
	g := &Gateway{
		store:      store,
		schema:     AnimalSchema(),
		allow:      NewAllowList(DefaultMutableFields()...),
		logger:     &NoOpLogger{},
		metrics:    &NoOpMetrics{},
		collection: DefaultCollection,
		timeout:    DefaultOperationTimeout,
		pageSize:   DefaultPageSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.timeout <= 0 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"field": "timeout", "reason": "must be positive"})
	}
	if g.pageSize <= 0 || g.pageSize > MaxPageSize {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"field": "page_size", "value": g.pageSize})
	}
	if g.noCache {
		g.cache = nil
	} else if g.cache == nil {
		cfg := DefaultCacheConfig()
		if g.cacheCfg != nil {
			cfg = *g.cacheCfg
		}
		c, err := NewCache(cfg, g.metrics)
		if err != nil {
			return nil, err
		}
		g.cache = c
	}
	g.indexes = NewIndexManager(store, g.logger, g.metrics, g.indexSpecs...)
	g.engine = &AggregationEngine{
		store:      store,
		cache:      g.cache,
		logger:     g.logger,
		metrics:    g.metrics,
		profiler:   g.profiler,
		collection: g.collection,
		timeout:    g.timeout,
	}
	return g, nil
}

// NewFromConfig creates a gateway with cfg applied before opts.
func NewFromConfig(store DocumentStore, cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []Option{
		WithCollection(cfg.Collection),
		WithTimeout(cfg.OperationTimeout),
		WithPageSize(cfg.PageSize),
		WithStoreValidation(cfg.ApplyValidator),
	}
	if cfg.CacheEnabled {
		base = append(base, WithCacheConfig(CacheConfig{
			Capacity: cfg.CacheCapacity,
			Shards:   DefaultCacheShards,
			TTL:      cfg.CacheTTL,
		}))
	} else {
		base = append(base, WithoutCache())
	}
	return New(store, append(base, opts...)...)
}

// Connect pings the store once and fails fast. On success it declares the
// index set and, when enabled, the store-side validator. An index failure
// other than a privilege denial leaves the gateway Failed.
func (g *Gateway) Connect(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, g.timeout)
	err := g.store.Ping(pingCtx)
	cancel()
	if err != nil {
		cerr := g.classifyConnect(err)
		g.conn.set(StateFailed, cerr)
		g.metrics.Gauge(MetricConnectionState, float64(StateFailed))
		g.logger.Error("store ping failed", "collection", g.collection, "error", cerr)
		return cerr
	}
	g.conn.set(StateConnected, nil)
	g.metrics.Gauge(MetricConnectionState, float64(StateConnected))
	g.logger.Info("store connected", "collection", g.collection)

	idxCtx, cancel := context.WithTimeout(ctx, g.timeout)
	_, err = g.indexes.Ensure(idxCtx)
	cancel()
	if err != nil {
		cerr := err
		if !errors.Is(err, ErrInvalidConfig) {
			cerr = g.classifyConnect(err)
		}
		g.conn.set(StateFailed, cerr)
		g.metrics.Gauge(MetricConnectionState, float64(StateFailed))
		g.logger.Error("index declaration failed", "collection", g.collection, "error", cerr)
		return cerr
	}

	if g.validator {
		vCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err := g.store.ApplyValidator(vCtx, g.schema)
		cancel()
		if err != nil {
			g.logger.Warn("store-side validator not applied", "collection", g.collection, "error", err)
		} else {
			g.logger.Info("store-side validator applied", "collection", g.collection)
		}
	}
	return nil
}

func (g *Gateway) classifyConnect(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = Wrap(ErrTimeout, err, nil)
	}
	return Wrap(ErrConnection, err, map[string]interface{}{"collection": g.collection})
}

// State returns the current connection state.
func (g *Gateway) State() ConnectionState { return g.conn.load() }

// Indexes returns the index manager.
func (g *Gateway) Indexes() *IndexManager { return g.indexes }

// Schema returns the record schema.
func (g *Gateway) Schema() *Schema { return g.schema }

// CacheStats returns cache counters; the zero value when caching is off.
func (g *Gateway) CacheStats() CacheStats {
	if g.cache == nil {
		return CacheStats{}
	}
	return g.cache.Stats()
}

// Close releases the store and moves to Disconnected.
func (g *Gateway) Close(ctx context.Context) error {
	g.conn.set(StateDisconnected, nil)
	g.metrics.Gauge(MetricConnectionState, float64(StateDisconnected))
	return g.store.Close(ctx)
}

// Create validates doc, stamps timestamps and the derived location, and
// stores it. Invalid records never reach the store.
func (g *Gateway) Create(ctx context.Context, doc Document) (id string, err error) {
	start := g.now()
	defer func() { g.observe("create", start, err) }()

	if err := g.conn.require("Create"); err != nil {
		return "", err
	}

	record := doc.Clone()
	if record == nil {
		record = Document{}
	}
	var violations []Violation
	if _, ok := record[IDField]; ok {
		violations = append(violations, Violation{IDField, "immutable", "is assigned by the store"})
		delete(record, IDField)
	}
	g.normalizeDates(record)
	deriveLocation(record)
	ts := g.timestamp()
	record[FieldCreatedAt] = ts
	record[FieldUpdatedAt] = ts

	if err := g.schema.Validate(record); err != nil || len(violations) > 0 {
		return "", g.rejectInvalid("Create", violations, err)
	}

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	id, err = g.store.InsertOne(sctx, record)
	if err != nil {
		return "", g.classify("Create", err, true)
	}

	g.invalidate("create")
	g.logger.Debug("record created", "collection", g.collection, "_id", id)
	return id, nil
}

// Read returns the records matching q, from the cache when a current entry
// exists. An empty filter reads every record, one page at a time.
func (g *Gateway) Read(ctx context.Context, q Query) (docs []Document, err error) {
	start := g.now()
	defer func() { g.observe("read", start, err) }()

	if err := g.conn.require("Read"); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Page.Limit == 0 {
		q.Page.Limit = g.pageSize
	}

	profile := g.profiler.StartProfile("Read")
	if profile != nil {
		profile.FilterFields = q.Filter.Fields()
		defer func() {
			profile.ResultCount = len(docs)
			profile.Error = err
			g.profiler.Record(profile)
		}()
	}

	key := ReadKey(g.collection, q)
	var gen uint64
	if g.cache != nil {
		gen = g.cache.Generation()
		if cached, ok := g.cache.Get(key); ok {
			if profile != nil {
				profile.Path = PathCache
			}
			return cached, nil
		}
	}

	unindexed := g.advise(q.Filter)
	if profile != nil {
		profile.UnindexedFields = unindexed
		profile.Path = PathScan
		if spec, ok := g.indexes.Covering(q.Filter.Fields()); ok {
			profile.Path = PathIndex
			profile.IndexUsed = spec.IndexName()
		}
	}

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	docs, err = g.store.Find(sctx, q.Filter, FindOptions{
		Projection: q.Projection,
		Skip:       q.Page.Offset,
		Limit:      q.Page.Limit,
		AfterID:    q.Page.After,
	})
	if err != nil {
		return nil, g.classify("Read", err, false)
	}
	if docs == nil {
		docs = []Document{}
	}
	g.metrics.Histogram(MetricReadResults, float64(len(docs)), "collection", g.collection)

	if g.cache != nil {
		g.cache.Put(key, gen, docs)
	}
	return docs, nil
}

// Update merges changes into the first record matching f and re-validates
// the merged record before writing. Fields outside the allow-list fail the
// whole call before the store is touched.
func (g *Gateway) Update(ctx context.Context, f Filter, changes Changes) (res WriteResult, err error) {
	start := g.now()
	defer func() { g.observe("update", start, err) }()

	if err := g.conn.require("Update"); err != nil {
		return WriteResult{}, err
	}
	if f.IsEmpty() {
		g.metrics.Increment(MetricUnsafeRejected, "collection", g.collection)
		return WriteResult{}, WithContext(ErrUnsafeOperation, map[string]interface{}{
			"operation": "Update",
			"reason":    "an empty filter would update an arbitrary record",
		})
	}
	changes, err = NewChanges(changes...)
	if err != nil {
		return WriteResult{}, err
	}
	if err := g.allow.Check(changes); err != nil {
		g.metrics.Increment(MetricForbiddenField, "collection", g.collection)
		g.logger.Warn("update rejected by allow-list", "collection", g.collection, "error", err)
		return WriteResult{}, err
	}

	changes = g.normalizeChanges(changes)

	findCtx, cancel := context.WithTimeout(ctx, g.timeout)
	current, err := g.store.Find(findCtx, f, FindOptions{Limit: 1})
	cancel()
	if err != nil {
		return WriteResult{}, g.classify("Update", err, false)
	}
	if len(current) == 0 {
		return WriteResult{}, nil
	}
	id := current[0].ID()

	merged := changes.Apply(current[0])
	final := append(Changes(nil), changes...)
	if changes.Touches(FieldLatitude) || changes.Touches(FieldLongitude) {
		if point, ok := locationFrom(merged); ok {
			merged[FieldLocation] = point
			final = append(final, Set(FieldLocation, point))
		} else {
			delete(merged, FieldLocation)
			final = append(final, Unset(FieldLocation))
		}
	}
	ts := g.timestamp()
	merged[FieldUpdatedAt] = ts
	final = append(final, Set(FieldUpdatedAt, ts))

	if err := g.schema.Validate(merged); err != nil {
		return WriteResult{}, g.rejectInvalid("Update", nil, err)
	}

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	res, err = g.store.UpdateOne(sctx, MustFilter(Eq(IDField, id)), final)
	if err != nil {
		return WriteResult{}, g.classify("Update", err, true)
	}
	if res.Matched > 0 {
		g.invalidate("update")
	}
	g.logger.Debug("record updated", "collection", g.collection, "_id", id, "fields", changes.Fields())
	return res, nil
}

// Delete removes the first record matching f. An empty filter is always
// rejected.
func (g *Gateway) Delete(ctx context.Context, f Filter) (res WriteResult, err error) {
	start := g.now()
	defer func() { g.observe("delete", start, err) }()

	if err := g.conn.require("Delete"); err != nil {
		return WriteResult{}, err
	}
	if f.IsEmpty() {
		g.metrics.Increment(MetricUnsafeRejected, "collection", g.collection)
		return WriteResult{}, WithContext(ErrUnsafeOperation, map[string]interface{}{
			"operation": "Delete",
			"reason":    "an empty filter would delete an arbitrary record",
		})
	}

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	res, err = g.store.DeleteOne(sctx, f)
	if err != nil {
		return WriteResult{}, g.classify("Delete", err, true)
	}
	if res.Deleted > 0 {
		g.invalidate("delete")
	}
	return res, nil
}

// RunAggregation executes p server-side, stages in the given order.
func (g *Gateway) RunAggregation(ctx context.Context, p Pipeline) ([]Document, error) {
	if err := g.conn.require("RunAggregation"); err != nil {
		return nil, err
	}
	return g.engine.Run(ctx, p)
}

// Near returns records within g.MaxMeters of the point, closest first.
// Zero MaxMeters and Limit take the defaults (5000m, 100 records).
func (g *Gateway) Near(ctx context.Context, q GeoQuery) (docs []Document, err error) {
	start := g.now()
	defer func() { g.observe("read", start, err) }()

	if err := g.conn.require("Near"); err != nil {
		return nil, err
	}
	if q.MaxMeters == 0 {
		q.MaxMeters = DefaultNearMeters
	}
	if q.Limit == 0 {
		q.Limit = DefaultNearLimit
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	key := NearKey(g.collection, q)
	var gen uint64
	if g.cache != nil {
		gen = g.cache.Generation()
		if cached, ok := g.cache.Get(key); ok {
			return cached, nil
		}
	}

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	docs, err = g.store.FindNear(sctx, q)
	if err != nil {
		return nil, g.classify("Near", err, false)
	}
	if docs == nil {
		docs = []Document{}
	}
	if g.cache != nil {
		g.cache.Put(key, gen, docs)
	}
	return docs, nil
}

// invalidate runs after every store-acknowledged write.
func (g *Gateway) invalidate(op string) {
	if g.cache == nil {
		return
	}
	gen := g.cache.InvalidateAll()
	g.logger.Debug("cache invalidated", "collection", g.collection, "operation", op, "generation", gen)
}

// advise flags filter fields that no declared index covers.
func (g *Gateway) advise(f Filter) []string {
	unindexed := g.indexes.Unindexed(f.Fields())
	for _, field := range unindexed {
		g.metrics.Increment(MetricUnindexedFilter, "field", field)
	}
	if len(unindexed) > 0 {
		g.logger.Warn("filter uses unindexed fields", "collection", g.collection, "fields", unindexed)
	}
	return unindexed
}

func (g *Gateway) rejectInvalid(op string, extra []Violation, err error) error {
	var se *SchemaError
	violations := extra
	if errors.As(err, &se) {
		violations = append(violations, se.Violations...)
	}
	out := &SchemaError{Violations: violations}
	g.metrics.Increment(MetricValidationFailed, "collection", g.collection)
	g.logger.Debug("record rejected by schema", "operation", op, "fields", out.Fields())
	return out
}

// classify maps a store failure onto the error taxonomy.
func (g *Gateway) classify(op string, err error, write bool) error {
	if write {
		return classifyWrite(op, g.collection, err)
	}
	return classifyRead(op, g.collection, err)
}

func classifyRead(op, collection string, err error) error {
	return classifyStoreError(ErrQuery, op, collection, err)
}

func classifyWrite(op, collection string, err error) error {
	return classifyStoreError(ErrWrite, op, collection, err)
}

// classifyStoreError passes known kinds through, turns an expired deadline
// into ErrTimeout and files everything else under fallback.
func classifyStoreError(fallback error, op, collection string, err error) error {
	ctx := map[string]interface{}{"operation": op, "collection": collection}
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrConnection),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrWrite),
		errors.Is(err, ErrQuery),
		errors.Is(err, ErrUnsafeOperation),
		errors.Is(err, ErrForbiddenField),
		errors.Is(err, ErrInvalidConfig):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(ErrTimeout, err, ctx)
	default:
		return Wrap(fallback, err, ctx)
	}
}

// observe records duration and outcome metrics for op.
func (g *Gateway) observe(op string, start time.Time, err error) {
	g.metrics.Timing("shelterbase."+op+".duration", g.now().Sub(start), "collection", g.collection)
	if err != nil {
		g.metrics.Increment("shelterbase."+op+".error", "collection", g.collection, "kind", ErrorKind(err))
		return
	}
	g.metrics.Increment("shelterbase."+op+".success", "collection", g.collection)
}

// ErrorKind names the taxonomy kind of err for logs, metrics and HTTP.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrForbiddenField):
		return "forbidden_field"
	case errors.Is(err, ErrUnsafeOperation):
		return "unsafe_operation"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrWrite):
		return "write"
	case errors.Is(err, ErrQuery):
		return "query"
	default:
		return "internal"
	}
}

func (g *Gateway) timestamp() time.Time {
	return g.now().UTC().Truncate(time.Millisecond)
}

// normalizeDates turns parseable date strings into time.Time.
func (g *Gateway) normalizeDates(doc Document) {
	for _, field := range g.schema.DateFields() {
		if s, ok := doc[field].(string); ok {
			if t, ok := ToTime(s); ok {
				doc[field] = t.UTC()
			}
		}
	}
}

func (g *Gateway) normalizeChanges(changes Changes) Changes {
	out := make(Changes, len(changes))
	for i, ch := range changes {
		if ch.Kind == ChangeSet {
			if rule, ok := g.schema.Field(ch.Field); ok && rule.Type == TypeDate {
				if s, ok := ch.Value.(string); ok {
					if t, ok := ToTime(s); ok {
						ch.Value = t.UTC()
					}
				}
			}
		}
		out[i] = ch
	}
	return out
}

// deriveLocation keeps location_lat/location_long and the GeoJSON point in
// step for new records.
func deriveLocation(doc Document) {
	if point, ok := locationFrom(doc); ok {
		doc[FieldLocation] = point
		return
	}
	if _, hasLat := doc[FieldLatitude]; hasLat {
		return
	}
	if loc, ok := asMap(doc[FieldLocation]); ok {
		if lon, lat, ok := PointCoordinates(loc["coordinates"]); ok && finite(lon) && finite(lat) &&
			lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90 {
			doc[FieldLatitude] = lat
			doc[FieldLongitude] = lon
		}
	}
}

// locationFrom builds the point when both coordinates are present and in range.
func locationFrom(doc Document) (map[string]interface{}, bool) {
	lat, ok1 := ToFloat(doc[FieldLatitude])
	lon, ok2 := ToFloat(doc[FieldLongitude])
	if !ok1 || !ok2 || !finite(lat) || !finite(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, false
	}
	return GeoPoint(lon, lat), true
}
