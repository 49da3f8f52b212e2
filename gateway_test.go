package shelterbase_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/adrianmcphee/shelterbase"
	"github.com/adrianmcphee/shelterbase/objectstore"
)

// countingStore records how often each store operation is reached.
type countingStore struct {
	shelterbase.DocumentStore

	finds      atomic.Int64
	nears      atomic.Int64
	inserts    atomic.Int64
	updates    atomic.Int64
	deletes    atomic.Int64
	aggregates atomic.Int64
}

func (s *countingStore) Find(ctx context.Context, f shelterbase.Filter, opts shelterbase.FindOptions) ([]shelterbase.Document, error) {
	s.finds.Add(1)
	return s.DocumentStore.Find(ctx, f, opts)
}

func (s *countingStore) FindNear(ctx context.Context, g shelterbase.GeoQuery) ([]shelterbase.Document, error) {
	s.nears.Add(1)
	return s.DocumentStore.FindNear(ctx, g)
}

func (s *countingStore) InsertOne(ctx context.Context, doc shelterbase.Document) (string, error) {
	s.inserts.Add(1)
	return s.DocumentStore.InsertOne(ctx, doc)
}

func (s *countingStore) UpdateOne(ctx context.Context, f shelterbase.Filter, changes shelterbase.Changes) (shelterbase.WriteResult, error) {
	s.updates.Add(1)
	return s.DocumentStore.UpdateOne(ctx, f, changes)
}

func (s *countingStore) DeleteOne(ctx context.Context, f shelterbase.Filter) (shelterbase.WriteResult, error) {
	s.deletes.Add(1)
	return s.DocumentStore.DeleteOne(ctx, f)
}

func (s *countingStore) Aggregate(ctx context.Context, p shelterbase.Pipeline) ([]shelterbase.Document, error) {
	s.aggregates.Add(1)
	return s.DocumentStore.Aggregate(ctx, p)
}

// slowStore blocks every read until the context expires.
type slowStore struct {
	shelterbase.DocumentStore
}

func (s *slowStore) Find(ctx context.Context, f shelterbase.Filter, opts shelterbase.FindOptions) ([]shelterbase.Document, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// downStore fails every ping.
type downStore struct {
	shelterbase.DocumentStore
}

func (downStore) Ping(ctx context.Context) error {
	return errors.New("dial tcp 127.0.0.1:27017: connect: connection refused")
}

// brokenIndexStore pings fine but cannot build indexes.
type brokenIndexStore struct {
	shelterbase.DocumentStore
}

func (brokenIndexStore) Ping(ctx context.Context) error { return nil }

func (brokenIndexStore) CreateIndexes(ctx context.Context, specs []shelterbase.IndexSpec) ([]string, error) {
	return nil, errors.New("index build failed: too many indexes")
}

func setupGateway(t *testing.T, withIndexer bool, opts ...shelterbase.Option) (*shelterbase.Gateway, *countingStore, *shelterbase.InMemoryMetrics) {
	t.Helper()

	var storeOpts []objectstore.Option
	if withIndexer {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		storeOpts = append(storeOpts, objectstore.WithIndexer(objectstore.NewIndexer(client, "animals")))
	}
	store := &countingStore{
		DocumentStore: objectstore.NewStore(objectstore.NewFilesystemBackend(t.TempDir()), "animals", storeOpts...),
	}
	metrics := shelterbase.NewInMemoryMetrics()

	gw, err := shelterbase.New(store, append([]shelterbase.Option{shelterbase.WithMetrics(metrics)}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { gw.Close(context.Background()) })
	return gw, store, metrics
}

func mustCreate(t *testing.T, gw *shelterbase.Gateway, doc shelterbase.Document) string {
	t.Helper()
	id, err := gw.Create(context.Background(), doc)
	if err != nil {
		t.Fatalf("Create(%v) failed: %v", doc, err)
	}
	return id
}

func seedAnimals(t *testing.T, gw *shelterbase.Gateway) {
	t.Helper()
	for _, doc := range []shelterbase.Document{
		{"species": "Dog", "name": "Rex", "breed": "Beagle", "age": 3, "location_lat": 30.27, "location_long": -97.74},
		{"species": "Dog", "name": "Max", "breed": "Beagle", "age": 5, "location_lat": 30.30, "location_long": -97.70},
		{"species": "Dog", "name": "Bo", "breed": "Poodle", "age": 2, "location_lat": 32.78, "location_long": -96.80},
		{"species": "Cat", "name": "Tom", "breed": "Siamese", "age": 4},
		{"species": "Dog", "name": "Nameless"},
	} {
		mustCreate(t, gw, doc)
	}
}

func names(docs []shelterbase.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i], _ = d["name"].(string)
	}
	return out
}

func TestCreateRejectsInvalidRecords(t *testing.T) {
	gw, store, metrics := setupGateway(t, false)
	ctx := context.Background()

	tests := []struct {
		name   string
		doc    shelterbase.Document
		fields []string
	}{
		{"missing species", shelterbase.Document{"breed": "Beagle"}, []string{"species"}},
		{"latitude out of range", shelterbase.Document{"species": "Dog", "location_lat": 200, "location_long": 30.2}, []string{"location_lat"}},
		{"nan latitude", shelterbase.Document{"species": "Dog", "location_lat": math.NaN(), "location_long": 30.2}, []string{"location_lat"}},
		{"infinite longitude", shelterbase.Document{"species": "Dog", "location_lat": 30.2, "location_long": math.Inf(1)}, []string{"location_long"}},
		{"caller-supplied id", shelterbase.Document{"_id": "abc", "species": "Dog"}, []string{"_id"}},
		{"operator key", shelterbase.Document{"species": "Dog", "$set": map[string]interface{}{"a": 1}}, []string{"$set"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.Create(ctx, tt.doc)
			if !errors.Is(err, shelterbase.ErrValidation) {
				t.Fatalf("Create error = %v, want ErrValidation", err)
			}
			var se *shelterbase.SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("Create error = %T, want *SchemaError", err)
			}
			for _, f := range tt.fields {
				if !se.HasField(f) {
					t.Errorf("violation for %q missing from %v", f, se.Fields())
				}
			}
		})
	}

	if store.inserts.Load() != 0 {
		t.Errorf("invalid records reached the store %d times", store.inserts.Load())
	}
	if metrics.Counter(shelterbase.MetricValidationFailed) != len(tests) {
		t.Errorf("validation failures = %d", metrics.Counter(shelterbase.MetricValidationFailed))
	}
}

func TestCreateStampsRecord(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	gw, _, _ := setupGateway(t, false, shelterbase.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	id := mustCreate(t, gw, shelterbase.Document{
		"species": "Dog", "intake_date": "2019-03-01", "location_lat": 30.27, "location_long": -97.74,
	})

	docs, err := gw.Read(ctx, shelterbase.NewQuery(shelterbase.MustFilter(shelterbase.Eq("_id", id))))
	if err != nil || len(docs) != 1 {
		t.Fatalf("Read = %v, %v", docs, err)
	}
	doc := docs[0]

	created, ok := shelterbase.ToTime(doc["created_at"])
	if !ok || !created.Equal(now) {
		t.Errorf("created_at = %v", doc["created_at"])
	}
	intake, ok := shelterbase.ToTime(doc["intake_date"])
	if !ok || !intake.Equal(time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("intake_date = %v", doc["intake_date"])
	}
	lon, lat, ok := shelterbase.PointOf(doc["location"])
	if !ok || lon != -97.74 || lat != 30.27 {
		t.Errorf("location = %v", doc["location"])
	}
}

func TestReadEmptyFilterReturnsAll(t *testing.T) {
	gw, _, _ := setupGateway(t, false)
	seedAnimals(t, gw)

	docs, err := gw.Read(context.Background(), shelterbase.NewQuery(shelterbase.Filter{}))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(docs) != 5 {
		t.Errorf("got %d records, want 5", len(docs))
	}
}

func TestReadFiltersProjectsAndPages(t *testing.T) {
	for _, withIndexer := range []bool{false, true} {
		name := "scan"
		if withIndexer {
			name = "indexed"
		}
		t.Run(name, func(t *testing.T) {
			gw, _, _ := setupGateway(t, withIndexer)
			seedAnimals(t, gw)
			ctx := context.Background()

			beagles := shelterbase.MustFilter(shelterbase.Eq("species", "Dog"), shelterbase.Eq("breed", "Beagle"))
			docs, err := gw.Read(ctx, shelterbase.NewQuery(beagles).WithProjection("name"))
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if len(docs) != 2 {
				t.Fatalf("got %d beagles, want 2", len(docs))
			}
			for _, d := range docs {
				if len(d) != 2 || d.ID() == "" || d["name"] == nil {
					t.Errorf("projection leaked fields: %v", d)
				}
			}

			dogs := shelterbase.NewQuery(shelterbase.MustFilter(shelterbase.Eq("species", "Dog")))
			first, err := gw.Read(ctx, dogs.WithPage(shelterbase.Pagination{Limit: 2}))
			if err != nil || len(first) != 2 {
				t.Fatalf("first page = %v, %v", first, err)
			}
			rest, err := gw.Read(ctx, dogs.WithPage(shelterbase.Pagination{After: first[1].ID(), Limit: 10}))
			if err != nil || len(rest) != 2 {
				t.Fatalf("second page = %v, %v", rest, err)
			}
			offset, err := gw.Read(ctx, dogs.WithPage(shelterbase.Pagination{Offset: 2}))
			if err != nil {
				t.Fatalf("offset page failed: %v", err)
			}
			if diff := cmp.Diff(names(rest), names(offset)); diff != "" {
				t.Errorf("cursor and offset pages differ (-cursor +offset):\n%s", diff)
			}

			young, err := gw.Read(ctx, shelterbase.NewQuery(shelterbase.MustFilter(shelterbase.Lt("age", 4))))
			if err != nil {
				t.Fatalf("range read failed: %v", err)
			}
			if len(young) != 2 {
				t.Errorf("age < 4 matched %v", names(young))
			}
		})
	}
}

func TestRepeatedReadIsServedFromCache(t *testing.T) {
	gw, store, _ := setupGateway(t, false)
	seedAnimals(t, gw)
	ctx := context.Background()
	q := shelterbase.NewQuery(shelterbase.MustFilter(shelterbase.Eq("species", "Dog")))

	first, err := gw.Read(ctx, q)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	before := store.finds.Load()
	second, err := gw.Read(ctx, q)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if store.finds.Load() != before {
		t.Error("repeated read reached the store")
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached result differs (-store +cache):\n%s", diff)
	}
	if gw.CacheStats().Hits != 1 {
		t.Errorf("cache hits = %d, want 1", gw.CacheStats().Hits)
	}
}

func TestProjectionFieldsDoNotShareCacheEntries(t *testing.T) {
	gw, store, _ := setupGateway(t, false)
	seedAnimals(t, gw)
	ctx := context.Background()
	rex := shelterbase.MustFilter(shelterbase.Eq("name", "Rex"))

	if _, err := gw.Read(ctx, shelterbase.NewQuery(rex).WithProjection("name", "breed")); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	before := store.finds.Load()
	docs, err := gw.Read(ctx, shelterbase.NewQuery(rex).WithProjection("breed,name"))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if store.finds.Load() == before {
		t.Error("different projection was served from the cache")
	}
	for _, doc := range docs {
		if _, ok := doc["name"]; ok {
			t.Errorf("projection on an unknown field returned name: %v", doc)
		}
	}
}

func TestWritesInvalidateCache(t *testing.T) {
	gw, store, _ := setupGateway(t, false)
	seedAnimals(t, gw)
	ctx := context.Background()
	beagles := shelterbase.NewQuery(shelterbase.MustFilter(shelterbase.Eq("breed", "Beagle")))

	read := func() []shelterbase.Document {
		t.Helper()
		docs, err := gw.Read(ctx, beagles)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		return docs
	}

	if n := len(read()); n != 2 {
		t.Fatalf("got %d beagles, want 2", n)
	}

	mustCreate(t, gw, shelterbase.Document{"species": "Dog", "breed": "Beagle", "name": "Snoopy"})
	if n := len(read()); n != 3 {
		t.Errorf("after create got %d beagles, want 3", n)
	}

	res, err := gw.Update(ctx, shelterbase.MustFilter(shelterbase.Eq("name", "Snoopy")),
		shelterbase.Changes{shelterbase.Set("breed", "Beagle Mix")})
	if err != nil || res.Matched != 1 {
		t.Fatalf("Update = %+v, %v", res, err)
	}
	if n := len(read()); n != 2 {
		t.Errorf("after update got %d beagles, want 2", n)
	}

	res, err = gw.Delete(ctx, shelterbase.MustFilter(shelterbase.Eq("name", "Rex")))
	if err != nil || res.Deleted != 1 {
		t.Fatalf("Delete = %+v, %v", res, err)
	}
	if n := len(read()); n != 1 {
		t.Errorf("after delete got %d beagles, want 1", n)
	}

	// Every post-write read went to the store.
	if store.finds.Load() < 4 {
		t.Errorf("finds = %d, reads were served stale", store.finds.Load())
	}
}

func TestNoOpWriteKeepsCache(t *testing.T) {
	gw, _, _ := setupGateway(t, false)
	seedAnimals(t, gw)
	ctx := context.Background()

	gw.Read(ctx, shelterbase.NewQuery(shelterbase.Filter{}))
	gen := gw.CacheStats().Generation

	res, err := gw.Delete(ctx, shelterbase.MustFilter(shelterbase.Eq("name", "Nobody")))
	if err != nil || res.Deleted != 0 {
		t.Fatalf("Delete = %+v, %v", res, err)
	}
	if gw.CacheStats().Generation != gen {
		t.Error("a delete that matched nothing advanced the generation")
	}
}

func TestUpdateAllowList(t *testing.T) {
	gw, store, metrics := setupGateway(t, false)
	ctx := context.Background()
	id := mustCreate(t, gw, shelterbase.Document{"species": "Dog", "breed": "Beagle"})
	byID := shelterbase.MustFilter(shelterbase.Eq("_id", id))

	before, _ := gw.Read(ctx, shelterbase.NewQuery(byID))

	_, err := gw.Update(ctx, byID, shelterbase.Changes{
		shelterbase.Set("breed", "Poodle"),
		shelterbase.Set("species", "Cat"),
	})
	if !errors.Is(err, shelterbase.ErrForbiddenField) {
		t.Fatalf("Update error = %v, want ErrForbiddenField", err)
	}
	var fe *shelterbase.ForbiddenFieldError
	if !errors.As(err, &fe) || !cmp.Equal(fe.Fields, []string{"species"}) {
		t.Errorf("forbidden fields = %v", err)
	}
	if store.updates.Load() != 0 {
		t.Error("forbidden update reached the store")
	}
	if metrics.Counter(shelterbase.MetricForbiddenField) != 1 {
		t.Error("forbidden field not counted")
	}

	after, _ := gw.Read(ctx, shelterbase.NewQuery(byID))
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("record changed after rejected update (-before +after):\n%s", diff)
	}
}

func TestUpdateRevalidatesMergedRecord(t *testing.T) {
	gw, store, _ := setupGateway(t, false)
	ctx := context.Background()
	id := mustCreate(t, gw, shelterbase.Document{"species": "Dog", "location_lat": 30.27, "location_long": -97.74})
	byID := shelterbase.MustFilter(shelterbase.Eq("_id", id))

	_, err := gw.Update(ctx, byID, shelterbase.Changes{shelterbase.Set("location_lat", 200.0)})
	if !errors.Is(err, shelterbase.ErrValidation) {
		t.Fatalf("Update error = %v, want ErrValidation", err)
	}
	if store.updates.Load() != 0 {
		t.Error("invalid merge reached the store")
	}

	if _, err := gw.Update(ctx, byID, shelterbase.Changes{shelterbase.Set("location_lat", 31.0)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	docs, _ := gw.Read(ctx, shelterbase.NewQuery(byID))
	if _, lat, ok := shelterbase.PointOf(docs[0]["location"]); !ok || lat != 31.0 {
		t.Errorf("derived location not refreshed: %v", docs[0]["location"])
	}
}

func TestEmptyFilterWritesAreUnsafe(t *testing.T) {
	gw, store, _ := setupGateway(t, false)
	seedAnimals(t, gw)
	ctx := context.Background()

	if _, err := gw.Delete(ctx, shelterbase.Filter{}); !errors.Is(err, shelterbase.ErrUnsafeOperation) {
		t.Errorf("Delete error = %v, want ErrUnsafeOperation", err)
	}
	if _, err := gw.Update(ctx, shelterbase.Filter{}, shelterbase.Changes{shelterbase.Set("breed", "x")}); !errors.Is(err, shelterbase.ErrUnsafeOperation) {
		t.Errorf("Update error = %v, want ErrUnsafeOperation", err)
	}
	// The empty-filter check runs before the allow-list.
	_, err := gw.Update(ctx, shelterbase.Filter{}, shelterbase.Changes{shelterbase.Set("microchip", "A1")})
	if !errors.Is(err, shelterbase.ErrUnsafeOperation) || errors.Is(err, shelterbase.ErrForbiddenField) {
		t.Errorf("Update with unlisted field = %v, want ErrUnsafeOperation", err)
	}
	if store.deletes.Load() != 0 || store.updates.Load() != 0 {
		t.Error("unsafe write reached the store")
	}

	docs, _ := gw.Read(ctx, shelterbase.NewQuery(shelterbase.Filter{}))
	if len(docs) != 5 {
		t.Errorf("records after rejected writes = %d, want 5", len(docs))
	}
}

func TestTopBreeds(t *testing.T) {
	gw, store, _ := setupGateway(t, false)
	seedAnimals(t, gw)
	ctx := context.Background()

	got, err := gw.TopBreeds(ctx, shelterbase.Filter{}, 5)
	if err != nil {
		t.Fatalf("TopBreeds failed: %v", err)
	}
	want := []shelterbase.BreedCount{
		{Breed: "Beagle", Count: 2},
		{Breed: "Poodle", Count: 1},
		{Breed: "Siamese", Count: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TopBreeds mismatch (-want +got):\n%s", diff)
	}

	dogs, err := gw.TopBreeds(ctx, shelterbase.MustFilter(shelterbase.Eq("species", "Dog")), 1)
	if err != nil {
		t.Fatalf("TopBreeds failed: %v", err)
	}
	if diff := cmp.Diff(want[:1], dogs); diff != "" {
		t.Errorf("TopBreeds(Dog, 1) mismatch (-want +got):\n%s", diff)
	}

	// Same pipeline again is a cache hit.
	before := store.aggregates.Load()
	if _, err := gw.TopBreeds(ctx, shelterbase.Filter{}, 5); err != nil {
		t.Fatalf("TopBreeds failed: %v", err)
	}
	if store.aggregates.Load() != before {
		t.Error("repeated aggregation reached the store")
	}

	mustCreate(t, gw, shelterbase.Document{"species": "Dog", "breed": "Poodle"})
	mustCreate(t, gw, shelterbase.Document{"species": "Dog", "breed": "Poodle"})
	got, err = gw.TopBreeds(ctx, shelterbase.Filter{}, 1)
	if err != nil {
		t.Fatalf("TopBreeds failed: %v", err)
	}
	if diff := cmp.Diff([]shelterbase.BreedCount{{Breed: "Poodle", Count: 3}}, got); diff != "" {
		t.Errorf("TopBreeds after writes mismatch (-want +got):\n%s", diff)
	}
}

func TestRunAggregationStageOrder(t *testing.T) {
	gw, _, _ := setupGateway(t, false)
	seedAnimals(t, gw)
	ctx := context.Background()

	p, err := shelterbase.NewPipeline(
		shelterbase.Match(shelterbase.MustFilter(shelterbase.Eq("species", "Dog"))),
		shelterbase.Sort("name", shelterbase.Ascending),
		shelterbase.Limit(2),
		shelterbase.Project("name"),
	)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	rows, err := gw.RunAggregation(ctx, p)
	if err != nil {
		t.Fatalf("RunAggregation failed: %v", err)
	}
	if diff := cmp.Diff([]string{"Bo", "Max"}, names(rows)); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestNear(t *testing.T) {
	for _, withIndexer := range []bool{false, true} {
		name := "scan"
		if withIndexer {
			name = "indexed"
		}
		t.Run(name, func(t *testing.T) {
			gw, store, _ := setupGateway(t, withIndexer)
			seedAnimals(t, gw)
			ctx := context.Background()

			q := shelterbase.GeoQuery{Longitude: -97.74, Latitude: 30.27, MaxMeters: 10000}
			docs, err := gw.Near(ctx, q)
			if err != nil {
				t.Fatalf("Near failed: %v", err)
			}
			if diff := cmp.Diff([]string{"Rex", "Max"}, names(docs)); diff != "" {
				t.Errorf("Near mismatch (-want +got):\n%s", diff)
			}

			before := store.nears.Load()
			if _, err := gw.Near(ctx, q); err != nil {
				t.Fatalf("Near failed: %v", err)
			}
			if store.nears.Load() != before {
				t.Error("repeated proximity query reached the store")
			}

			if _, err := gw.Near(ctx, shelterbase.GeoQuery{Longitude: 30.2, Latitude: 200}); !errors.Is(err, shelterbase.ErrQuery) {
				t.Errorf("Near with latitude 200 = %v, want ErrQuery", err)
			}
		})
	}
}

func TestDisconnectedGateway(t *testing.T) {
	gw, err := shelterbase.New(downStore{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := gw.Read(ctx, shelterbase.NewQuery(shelterbase.Filter{})); !errors.Is(err, shelterbase.ErrConnection) {
		t.Errorf("Read before Connect = %v, want ErrConnection", err)
	}

	err = gw.Connect(ctx)
	if !errors.Is(err, shelterbase.ErrConnection) {
		t.Fatalf("Connect = %v, want ErrConnection", err)
	}
	if gw.State() != shelterbase.StateFailed {
		t.Errorf("State() = %v, want failed", gw.State())
	}
	if _, err := gw.Create(ctx, shelterbase.Document{"species": "Dog"}); shelterbase.ErrorKind(err) != "connection" {
		t.Errorf("Create on failed gateway = %v", err)
	}
}

func TestConnectIndexFailure(t *testing.T) {
	gw, err := shelterbase.New(brokenIndexStore{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	err = gw.Connect(ctx)
	if !errors.Is(err, shelterbase.ErrConnection) || errors.Is(err, shelterbase.ErrWrite) {
		t.Fatalf("Connect = %v, want ErrConnection", err)
	}
	if gw.State() != shelterbase.StateFailed {
		t.Errorf("State() = %v, want failed", gw.State())
	}
	if _, err := gw.Read(ctx, shelterbase.NewQuery(shelterbase.Filter{})); !errors.Is(err, shelterbase.ErrConnection) {
		t.Errorf("Read after failed Connect = %v, want ErrConnection", err)
	}
}

func TestReadTimeout(t *testing.T) {
	store := &slowStore{
		DocumentStore: objectstore.NewStore(objectstore.NewFilesystemBackend(t.TempDir()), "animals"),
	}
	gw, err := shelterbase.New(store, shelterbase.WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err = gw.Read(context.Background(), shelterbase.NewQuery(shelterbase.Filter{}))
	if !errors.Is(err, shelterbase.ErrTimeout) {
		t.Errorf("Read error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("timeout should keep the deadline error in the chain")
	}
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	gw, _, _ := setupGateway(t, false)
	seedAnimals(t, gw)
	ctx := context.Background()
	dogs := shelterbase.NewQuery(shelterbase.MustFilter(shelterbase.Eq("species", "Dog")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := gw.Read(ctx, dogs); err != nil {
				t.Errorf("Read failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := gw.Create(ctx, shelterbase.Document{"species": "Dog"}); err != nil {
				t.Errorf("Create failed: %v", err)
			}
		}()
	}
	wg.Wait()

	docs, err := gw.Read(ctx, dogs)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(docs) != 14 {
		t.Errorf("got %d dogs after concurrent creates, want 14", len(docs))
	}
}

func TestWithoutCache(t *testing.T) {
	gw, store, _ := setupGateway(t, false, shelterbase.WithoutCache())
	seedAnimals(t, gw)
	ctx := context.Background()
	q := shelterbase.NewQuery(shelterbase.Filter{})

	gw.Read(ctx, q)
	gw.Read(ctx, q)
	if store.finds.Load() != 2 {
		t.Errorf("finds = %d, want 2 with caching off", store.finds.Load())
	}
	if gw.CacheStats() != (shelterbase.CacheStats{}) {
		t.Errorf("CacheStats = %+v, want zero", gw.CacheStats())
	}
}
