package objectstore

import (
	"bytes"
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adrianmcphee/shelterbase"
)

const recordSuffix = ".json"

// Store is a shelterbase.DocumentStore over a Backend. Each record is one
// JSON object at {prefix}/{collection}/{_id}.json. Filters, pipelines and
// proximity queries run in process; an optional Redis Indexer narrows the
// records that have to be loaded.
type Store struct {
	backend    Backend
	collection string
	prefix     string
	indexer    *Indexer
	locks      *StripedLocks
	logger     shelterbase.Logger
	metrics    shelterbase.Metrics

	mu        sync.RWMutex
	validator *shelterbase.Schema
	geoField  string
}

var _ shelterbase.DocumentStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithIndexer serves equality and proximity lookups from Redis.
func WithIndexer(ix *Indexer) Option { return func(s *Store) { s.indexer = ix } }

// WithLogger sets the logger.
func WithLogger(l shelterbase.Logger) Option { return func(s *Store) { s.logger = l } }

// WithMetrics sets the metrics sink for backend calls.
func WithMetrics(m shelterbase.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithPrefix places the collection under prefix (the database name).
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(prefix, "/") }
}

// NewStore creates a store for collection on backend.
func NewStore(backend Backend, collection string, opts ...Option) *Store {
	s := &Store{
		backend:    backend,
		collection: collection,
		locks:      NewStripedLocks(32),
		logger:     &shelterbase.NoOpLogger{},
		metrics:    &shelterbase.NoOpMetrics{},
		geoField:   shelterbase.FieldLocation,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) dir() string {
	return path.Join(s.prefix, s.collection) + "/"
}

func (s *Store) key(id string) string {
	return s.dir() + id + recordSuffix
}

// Ping checks the backend. The indexer is optional, so its health only
// shows up as scan fallbacks.
func (s *Store) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.backend.Ping(ctx)
	s.observe("ping", start, err)
	return err
}

func (s *Store) Find(ctx context.Context, f shelterbase.Filter, opts shelterbase.FindOptions) ([]shelterbase.Document, error) {
	docs, err := s.candidates(ctx, f)
	if err != nil {
		return nil, err
	}
	docs = filterDocuments(docs, f)
	sortByID(docs)

	if opts.AfterID != "" {
		i := sort.Search(len(docs), func(i int) bool { return docs[i].ID() > opts.AfterID })
		docs = docs[i:]
	}
	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			docs = docs[:0]
		} else {
			docs = docs[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	if len(opts.Projection) > 0 {
		for i, d := range docs {
			docs[i] = project(d, opts.Projection)
		}
	}
	return docs, nil
}

type located struct {
	doc      shelterbase.Document
	distance float64
}

func (s *Store) FindNear(ctx context.Context, g shelterbase.GeoQuery) ([]shelterbase.Document, error) {
	var docs []shelterbase.Document
	var err error
	if ids, ok := s.nearIDs(ctx, g); ok {
		docs, err = s.loadIDs(ctx, ids)
	} else {
		docs, err = s.loadAll(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	field := s.geoField
	s.mu.RUnlock()

	hits := make([]located, 0, len(docs))
	for _, d := range docs {
		v, ok := d.Lookup(field)
		if !ok {
			continue
		}
		lon, lat, ok := shelterbase.PointOf(v)
		if !ok {
			continue
		}
		dist := haversine(g.Longitude, g.Latitude, lon, lat)
		if dist > g.MaxMeters || !matches(d, g.Filter) {
			continue
		}
		hits = append(hits, located{d, dist})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].distance != hits[j].distance {
			return hits[i].distance < hits[j].distance
		}
		return hits[i].doc.ID() < hits[j].doc.ID()
	})
	if g.Limit > 0 && len(hits) > g.Limit {
		hits = hits[:g.Limit]
	}

	out := make([]shelterbase.Document, len(hits))
	for i, h := range hits {
		out[i] = h.doc
	}
	return out, nil
}

func (s *Store) nearIDs(ctx context.Context, g shelterbase.GeoQuery) ([]string, bool) {
	if s.indexer == nil {
		return nil, false
	}
	return s.indexer.Near(ctx, g.Longitude, g.Latitude, g.MaxMeters)
}

func (s *Store) InsertOne(ctx context.Context, doc shelterbase.Document) (string, error) {
	record := doc.Clone()
	if record == nil {
		record = shelterbase.Document{}
	}
	if err := s.checkValidator(record); err != nil {
		return "", err
	}

	id := NewID()
	record[shelterbase.IDField] = id
	data, err := encodeDocument(record)
	if err != nil {
		return "", shelterbase.Wrap(shelterbase.ErrWrite, err, map[string]interface{}{"_id": id})
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.put(ctx, id, data); err != nil {
		return "", err
	}
	if s.indexer != nil {
		_ = s.indexer.Add(ctx, id, record)
	}
	return id, nil
}

func (s *Store) UpdateOne(ctx context.Context, f shelterbase.Filter, changes shelterbase.Changes) (shelterbase.WriteResult, error) {
	first, err := s.Find(ctx, f, shelterbase.FindOptions{Limit: 1})
	if err != nil || len(first) == 0 {
		return shelterbase.WriteResult{}, err
	}
	id := first[0].ID()

	unlock := s.locks.Lock(id)
	defer unlock()

	// Re-read under the lock; a concurrent write may have changed or
	// removed the record since it was matched.
	current, err := s.load(ctx, id)
	if errors.Is(err, shelterbase.ErrNotFound) {
		return shelterbase.WriteResult{}, nil
	}
	if err != nil {
		return shelterbase.WriteResult{}, err
	}
	if !matches(current, f) {
		return shelterbase.WriteResult{}, nil
	}

	updated := changes.Apply(current)
	updated[shelterbase.IDField] = id
	if err := s.checkValidator(updated); err != nil {
		return shelterbase.WriteResult{}, err
	}

	before, err := encodeDocument(current)
	if err != nil {
		return shelterbase.WriteResult{}, shelterbase.Wrap(shelterbase.ErrWrite, err, nil)
	}
	after, err := encodeDocument(updated)
	if err != nil {
		return shelterbase.WriteResult{}, shelterbase.Wrap(shelterbase.ErrWrite, err, nil)
	}
	if bytes.Equal(before, after) {
		return shelterbase.WriteResult{Matched: 1}, nil
	}

	if err := s.put(ctx, id, after); err != nil {
		return shelterbase.WriteResult{}, err
	}
	if s.indexer != nil {
		_ = s.indexer.Replace(ctx, id, current, updated)
	}
	return shelterbase.WriteResult{Matched: 1, Modified: 1}, nil
}

func (s *Store) DeleteOne(ctx context.Context, f shelterbase.Filter) (shelterbase.WriteResult, error) {
	first, err := s.Find(ctx, f, shelterbase.FindOptions{Limit: 1})
	if err != nil || len(first) == 0 {
		return shelterbase.WriteResult{}, err
	}
	id := first[0].ID()

	unlock := s.locks.Lock(id)
	defer unlock()

	start := time.Now()
	err = s.backend.Delete(ctx, s.key(id))
	s.observe("delete", start, err)
	if errors.Is(err, shelterbase.ErrNotFound) {
		return shelterbase.WriteResult{}, nil
	}
	if err != nil {
		return shelterbase.WriteResult{}, shelterbase.Wrap(shelterbase.ErrWrite, err, map[string]interface{}{"_id": id})
	}
	if s.indexer != nil {
		_ = s.indexer.Remove(ctx, id, first[0])
	}
	return shelterbase.WriteResult{Matched: 1, Deleted: 1}, nil
}

// Aggregate loads the records the leading $match can select and runs the
// pipeline over them.
func (s *Store) Aggregate(ctx context.Context, p shelterbase.Pipeline) ([]shelterbase.Document, error) {
	var lead shelterbase.Filter
	if stages := p.Stages(); len(stages) > 0 && stages[0].Kind() == shelterbase.StageMatch {
		lead = stages[0].Filter()
	}
	docs, err := s.candidates(ctx, lead)
	if err != nil {
		return nil, err
	}
	sortByID(docs)
	return runPipeline(docs, p), nil
}

// CreateIndexes records the geo field and, with an indexer, declares the
// specs in Redis and backfills them from the stored records. A Redis
// failure leaves the store scanning rather than failing startup.
func (s *Store) CreateIndexes(ctx context.Context, specs []shelterbase.IndexSpec) ([]string, error) {
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.IndexName())
		for _, k := range spec.Keys {
			if k.Kind == shelterbase.Index2DSphere {
				s.mu.Lock()
				s.geoField = k.Field
				s.mu.Unlock()
			}
		}
	}
	if s.indexer == nil {
		return names, nil
	}

	s.indexer.Declare(specs)
	docs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.indexer.Rebuild(ctx, docs); err != nil {
		if strings.Contains(err.Error(), "NOPERM") {
			return nil, shelterbase.Wrap(shelterbase.ErrUnauthorized, err, map[string]interface{}{"collection": s.collection})
		}
		s.logger.Warn("secondary indexes unavailable; queries will scan", "collection", s.collection, "error", err)
	}
	return names, nil
}

// ApplyValidator makes every later write check s first. A failing write
// is rejected with ErrWrite.
func (s *Store) ApplyValidator(ctx context.Context, schema *shelterbase.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validator = schema
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	var errs []error
	if s.indexer != nil {
		errs = append(errs, s.indexer.Close())
	}
	errs = append(errs, s.backend.Close())
	return errors.Join(errs...)
}

func (s *Store) checkValidator(doc shelterbase.Document) error {
	s.mu.RLock()
	v := s.validator
	s.mu.RUnlock()
	if v == nil {
		return nil
	}
	if err := v.Validate(doc); err != nil {
		// The store reports its own rejection, not the caller-side kind.
		return shelterbase.WithContext(shelterbase.ErrWrite, map[string]interface{}{
			"collection": s.collection,
			"reason":     "document failed validation",
			"detail":     err.Error(),
		})
	}
	return nil
}

// candidates loads the records that can match f: the indexer's ids when it
// can answer, every record otherwise.
func (s *Store) candidates(ctx context.Context, f shelterbase.Filter) ([]shelterbase.Document, error) {
	if s.indexer != nil && !f.IsEmpty() {
		if ids, ok := s.indexer.Candidates(ctx, f); ok {
			return s.loadIDs(ctx, ids)
		}
	}
	return s.loadAll(ctx)
}

func (s *Store) loadAll(ctx context.Context) ([]shelterbase.Document, error) {
	start := time.Now()
	keys, err := s.backend.List(ctx, s.dir())
	s.observe("list", start, err)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if !strings.HasSuffix(k, recordSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(path.Base(k), recordSuffix))
	}
	return s.loadIDs(ctx, ids)
}

// loadIDs reads ids in order, skipping records deleted since they were listed.
func (s *Store) loadIDs(ctx context.Context, ids []string) ([]shelterbase.Document, error) {
	docs := make([]shelterbase.Document, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := s.load(ctx, id)
		if errors.Is(err, shelterbase.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (s *Store) load(ctx context.Context, id string) (shelterbase.Document, error) {
	start := time.Now()
	data, err := s.backend.Get(ctx, s.key(id))
	s.observe("get", start, err)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, shelterbase.Wrap(shelterbase.ErrQuery, err, map[string]interface{}{"_id": id, "reason": "corrupt record"})
	}
	return doc, nil
}

func (s *Store) put(ctx context.Context, id string, data []byte) error {
	start := time.Now()
	err := s.backend.Put(ctx, s.key(id), data)
	s.observe("put", start, err)
	if err != nil {
		return shelterbase.Wrap(shelterbase.ErrWrite, err, map[string]interface{}{"_id": id})
	}
	return nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	s.metrics.Increment(shelterbase.MetricBackendOps, "op", op)
	s.metrics.Timing(shelterbase.MetricBackendLatency, time.Since(start), "op", op)
	if err != nil && !errors.Is(err, shelterbase.ErrNotFound) {
		s.metrics.Increment(shelterbase.MetricBackendErrors, "op", op)
	}
}

func sortByID(docs []shelterbase.Document) {
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
}
