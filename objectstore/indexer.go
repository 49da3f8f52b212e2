package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adrianmcphee/shelterbase"
)

// maxGeoLatitude is the latitude limit of Redis geo sets.
const maxGeoLatitude = 85.05112878

// Indexer keeps secondary indexes for an object-store collection in Redis:
// one set of record ids per field value, and one geo set for the 2dsphere
// field. Every Redis call goes through a circuit breaker.
//
// Index keys:
//
//	idx:{collection}:{field}:{type}:{value}   SADD/SREM record ids
//	idx:{collection}:~geo:{field}             GEOADD/ZREM record ids
//
// A failed index write marks the indexer dirty. A dirty indexer serves no
// lookups until Rebuild succeeds, so reads fall back to scans and stay correct.
type Indexer struct {
	client     *redis.Client
	collection string
	breaker    *CircuitBreaker
	logger     shelterbase.Logger
	metrics    shelterbase.Metrics
	ownsClient bool

	mu       sync.RWMutex
	fields   map[string]struct{}
	geoField string

	dirty         atomic.Bool
	geoIncomplete atomic.Bool
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithIndexerLogger sets the logger for degraded-index warnings.
func WithIndexerLogger(l shelterbase.Logger) IndexerOption {
	return func(ix *Indexer) { ix.logger = l }
}

// WithIndexerMetrics sets the metrics sink.
func WithIndexerMetrics(m shelterbase.Metrics) IndexerOption {
	return func(ix *Indexer) { ix.metrics = m }
}

// WithBreaker replaces the default breaker (5 failures, 30s reset).
func WithBreaker(cb *CircuitBreaker) IndexerOption {
	return func(ix *Indexer) { ix.breaker = cb }
}

// WithOwnedClient makes Close close the Redis client.
func WithOwnedClient() IndexerOption {
	return func(ix *Indexer) { ix.ownsClient = true }
}

// NewIndexer creates an indexer for collection. It indexes nothing until
// Declare is called.
func NewIndexer(client *redis.Client, collection string, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		client:     client,
		collection: collection,
		breaker:    NewCircuitBreaker(5, 30*time.Second),
		logger:     &shelterbase.NoOpLogger{},
		metrics:    &shelterbase.NoOpMetrics{},
		fields:     map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.breaker.WithStateChangeCallback(func(from, to string) {
		ix.logger.Warn("index circuit breaker state changed", "collection", collection, "from", from, "to", to)
	})
	return ix
}

// Declare registers specs. Each key of a compound spec is indexed on its
// own; compound filters are served by intersecting the per-field sets. It
// returns the spec names. Lookups stay off until the next Rebuild.
func (ix *Indexer) Declare(specs []shelterbase.IndexSpec) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.dirty.Store(true)

	names := make([]string, 0, len(specs))
	for _, s := range specs {
		for _, k := range s.Keys {
			if k.Kind == shelterbase.Index2DSphere {
				ix.geoField = k.Field
				continue
			}
			ix.fields[k.Field] = struct{}{}
		}
		names = append(names, s.IndexName())
	}
	return names
}

// Dirty reports whether lookups are suspended until the next Rebuild.
func (ix *Indexer) Dirty() bool { return ix.dirty.Load() }

// GeoComplete reports whether every located record is in the geo set.
// Points beyond the Redis latitude limit are kept out of it.
func (ix *Indexer) GeoComplete() bool { return !ix.geoIncomplete.Load() }

// Add indexes a new record.
func (ix *Indexer) Add(ctx context.Context, id string, doc shelterbase.Document) error {
	return ix.write(ctx, "add", func(pipe redis.Pipeliner) {
		ix.queueAdd(ctx, pipe, id, doc)
	})
}

// Remove drops a record from every index.
func (ix *Indexer) Remove(ctx context.Context, id string, doc shelterbase.Document) error {
	return ix.write(ctx, "remove", func(pipe redis.Pipeliner) {
		ix.queueRemove(ctx, pipe, id, doc)
	})
}

// Replace moves a record from its old index entries to its new ones in one
// transaction.
func (ix *Indexer) Replace(ctx context.Context, id string, old, updated shelterbase.Document) error {
	return ix.write(ctx, "replace", func(pipe redis.Pipeliner) {
		ix.queueRemove(ctx, pipe, id, old)
		ix.queueAdd(ctx, pipe, id, updated)
	})
}

func (ix *Indexer) write(ctx context.Context, op string, queue func(redis.Pipeliner)) error {
	err := ix.breaker.Execute(ctx, func() error {
		_, err := ix.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queue(pipe)
			return nil
		})
		return err
	})
	if err != nil {
		ix.dirty.Store(true)
		ix.metrics.Increment(shelterbase.MetricIndexErrors, "op", op)
		ix.logger.Warn("index write failed; lookups fall back to scans until rebuild",
			"collection", ix.collection, "op", op, "error", err)
	}
	return err
}

func (ix *Indexer) queueAdd(ctx context.Context, pipe redis.Pipeliner, id string, doc shelterbase.Document) {
	for _, key := range ix.setKeys(doc) {
		pipe.SAdd(ctx, key, id)
	}
	if lon, lat, ok := ix.point(doc); ok {
		pipe.GeoAdd(ctx, ix.geoKey(), &redis.GeoLocation{Name: id, Longitude: lon, Latitude: lat})
	}
}

func (ix *Indexer) queueRemove(ctx context.Context, pipe redis.Pipeliner, id string, doc shelterbase.Document) {
	for _, key := range ix.setKeys(doc) {
		pipe.SRem(ctx, key, id)
	}
	if ix.geoFieldName() != "" {
		pipe.ZRem(ctx, ix.geoKey(), id)
	}
}

// Candidates returns the ids of records that can match f, using the $eq and
// $in conditions on indexed fields. ok is false when no index applies or
// the index cannot be trusted; the caller must then scan.
func (ix *Indexer) Candidates(ctx context.Context, f shelterbase.Filter) (ids []string, ok bool) {
	if ix.dirty.Load() {
		return nil, false
	}

	var keysets [][]string
	for _, c := range f.Conditions() {
		if !ix.indexed(c.Field) {
			continue
		}
		var values []interface{}
		switch c.Op {
		case shelterbase.OpEq:
			values = []interface{}{c.Value}
		case shelterbase.OpIn:
			values = c.Value.([]interface{})
		default:
			continue
		}
		keys, usable := ix.keysFor(c.Field, values)
		if usable {
			keysets = append(keysets, keys)
		}
	}
	if len(keysets) == 0 {
		ix.metrics.Increment(shelterbase.MetricIndexMisses, "collection", ix.collection)
		return nil, false
	}

	var result map[string]struct{}
	err := ix.breaker.Execute(ctx, func() error {
		for _, keys := range keysets {
			members, err := ix.client.SUnion(ctx, keys...).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			result = intersect(result, members)
			if len(result) == 0 {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		ix.metrics.Increment(shelterbase.MetricIndexErrors, "op", "lookup")
		ix.logger.Warn("index lookup failed; scanning", "collection", ix.collection, "error", err)
		return nil, false
	}

	ids = make([]string, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ix.metrics.Increment(shelterbase.MetricIndexHits, "collection", ix.collection)
	return ids, true
}

// Near returns the ids of records within meters of the point, closest first.
// The radius is padded slightly so the caller's exact distance check decides
// the boundary.
func (ix *Indexer) Near(ctx context.Context, longitude, latitude, meters float64) ([]string, bool) {
	if ix.geoFieldName() == "" || ix.dirty.Load() || ix.geoIncomplete.Load() {
		return nil, false
	}
	if latitude > maxGeoLatitude || latitude < -maxGeoLatitude {
		return nil, false
	}

	var locations []redis.GeoLocation
	err := ix.breaker.Execute(ctx, func() error {
		var err error
		locations, err = ix.client.GeoRadius(ctx, ix.geoKey(), longitude, latitude, &redis.GeoRadiusQuery{
			Radius: meters*1.001 + 1,
			Unit:   "m",
			Sort:   "ASC",
		}).Result()
		if err == redis.Nil {
			return nil
		}
		return err
	})
	if err != nil {
		ix.logger.Warn("geo lookup failed; scanning", "collection", ix.collection, "error", err)
		return nil, false
	}

	ids := make([]string, len(locations))
	for i, loc := range locations {
		ids[i] = loc.Name
	}
	return ids, true
}

// Rebuild drops every index key of the collection and re-adds docs. It
// clears the dirty flag on success.
func (ix *Indexer) Rebuild(ctx context.Context, docs []shelterbase.Document) error {
	ix.geoIncomplete.Store(false)
	err := ix.breaker.Execute(ctx, func() error {
		var cursor uint64
		for {
			keys, next, err := ix.client.Scan(ctx, cursor, ix.prefix()+"*", 500).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := ix.client.Del(ctx, keys...).Err(); err != nil {
					return err
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}

		_, err := ix.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, doc := range docs {
				ix.queueAdd(ctx, pipe, doc.ID(), doc)
			}
			return nil
		})
		return err
	})
	if err != nil {
		ix.dirty.Store(true)
		return fmt.Errorf("failed to rebuild indexes for %s: %w", ix.collection, err)
	}
	ix.dirty.Store(false)
	ix.logger.Info("indexes rebuilt", "collection", ix.collection, "records", len(docs),
		"geo_complete", !ix.geoIncomplete.Load())
	return nil
}

// Ping checks the Redis connection.
func (ix *Indexer) Ping(ctx context.Context) error {
	return ix.client.Ping(ctx).Err()
}

// Close releases the Redis client when the indexer owns it.
func (ix *Indexer) Close() error {
	if ix.ownsClient && ix.client != nil {
		return ix.client.Close()
	}
	return nil
}

func (ix *Indexer) indexed(field string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.fields[field]
	return ok
}

func (ix *Indexer) geoFieldName() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.geoField
}

func (ix *Indexer) setKeys(doc shelterbase.Document) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var keys []string
	for field := range ix.fields {
		v, ok := doc.Lookup(field)
		if !ok || v == nil {
			continue
		}
		for _, e := range elements(v) {
			if enc, ok := encodeIndexValue(e); ok {
				keys = append(keys, ix.setKey(field, enc))
			}
		}
	}
	return keys
}

func (ix *Indexer) keysFor(field string, values []interface{}) ([]string, bool) {
	if len(values) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(values))
	for _, v := range values {
		if v == nil {
			return nil, false
		}
		// A date-like string can equal a stored time, which is indexed
		// under a different encoding.
		if s, ok := v.(string); ok {
			if _, isDate := shelterbase.ToTime(s); isDate {
				return nil, false
			}
		}
		enc, ok := encodeIndexValue(v)
		if !ok {
			return nil, false
		}
		keys = append(keys, ix.setKey(field, enc))
	}
	return keys, true
}

func (ix *Indexer) point(doc shelterbase.Document) (lon, lat float64, ok bool) {
	field := ix.geoFieldName()
	if field == "" {
		return 0, 0, false
	}
	v, present := doc.Lookup(field)
	if !present {
		return 0, 0, false
	}
	lon, lat, ok = shelterbase.PointOf(v)
	if !ok {
		return 0, 0, false
	}
	if lat > maxGeoLatitude || lat < -maxGeoLatitude {
		ix.geoIncomplete.Store(true)
		return 0, 0, false
	}
	return lon, lat, true
}

func (ix *Indexer) prefix() string {
	return "idx:" + ix.collection + ":"
}

func (ix *Indexer) setKey(field, encoded string) string {
	return ix.prefix() + field + ":" + encoded
}

func (ix *Indexer) geoKey() string {
	return ix.prefix() + "~geo:" + ix.geoFieldName()
}

// encodeIndexValue renders a scalar with a type tag so 3 and "3" differ.
func encodeIndexValue(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return "s:" + x, true
	case bool:
		return "b:" + strconv.FormatBool(x), true
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano), true
	}
	if f, ok := shelterbase.ToFloat(v); ok {
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64), true
	}
	return "", false
}

func intersect(acc map[string]struct{}, members []string) map[string]struct{} {
	next := make(map[string]struct{}, len(members))
	for _, m := range members {
		if acc == nil {
			next[m] = struct{}{}
			continue
		}
		if _, ok := acc[m]; ok {
			next[m] = struct{}{}
		}
	}
	return next
}
