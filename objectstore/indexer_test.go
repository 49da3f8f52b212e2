package objectstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/adrianmcphee/shelterbase"
)

func setupIndexer(t *testing.T) (*Indexer, *miniredis.Miniredis, *shelterbase.InMemoryMetrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	metrics := shelterbase.NewInMemoryMetrics()
	ix := NewIndexer(client, "animals", WithIndexerMetrics(metrics), WithOwnedClient())
	t.Cleanup(func() { ix.Close() })

	ix.Declare(shelterbase.DefaultIndexes())
	if err := ix.Rebuild(context.Background(), nil); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	return ix, mr, metrics
}

func TestIndexerDeclareSuspendsLookups(t *testing.T) {
	mr := miniredis.RunT(t)
	ix := NewIndexer(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "animals", WithOwnedClient())
	defer ix.Close()

	names := ix.Declare(shelterbase.DefaultIndexes())
	if len(names) != len(shelterbase.DefaultIndexes()) {
		t.Errorf("Declare returned %v", names)
	}
	if !ix.Dirty() {
		t.Fatal("indexer must be dirty until the first rebuild")
	}
	if _, ok := ix.Candidates(context.Background(), shelterbase.MustFilter(shelterbase.Eq("breed", "Beagle"))); ok {
		t.Error("dirty indexer served a lookup")
	}
	if err := ix.Rebuild(context.Background(), nil); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if ix.Dirty() {
		t.Error("indexer still dirty after rebuild")
	}
}

func TestIndexerCandidates(t *testing.T) {
	ctx := context.Background()
	ix, _, metrics := setupIndexer(t)

	docs := map[string]shelterbase.Document{
		"a": {"species": "Dog", "breed": "Beagle", "adopted": true},
		"b": {"species": "Dog", "breed": "Poodle", "adopted": false},
		"c": {"species": "Cat", "breed": "Siamese", "adopted": true},
	}
	for id, d := range docs {
		if err := ix.Add(ctx, id, d); err != nil {
			t.Fatalf("Add %s failed: %v", id, err)
		}
	}

	tests := []struct {
		name   string
		filter shelterbase.Filter
		want   []string
		ok     bool
	}{
		{"eq", shelterbase.MustFilter(shelterbase.Eq("species", "Dog")), []string{"a", "b"}, true},
		{"in", shelterbase.MustFilter(shelterbase.In("breed", "Beagle", "Siamese")), []string{"a", "c"}, true},
		{"intersection", shelterbase.MustFilter(shelterbase.Eq("species", "Dog"), shelterbase.Eq("adopted", true)), []string{"a"}, true},
		{"no match", shelterbase.MustFilter(shelterbase.Eq("breed", "Collie")), []string{}, true},
		{"unindexed field", shelterbase.MustFilter(shelterbase.Eq("name", "Rex")), nil, false},
		{"range only", shelterbase.MustFilter(shelterbase.Gt("breed", "A")), nil, false},
		{"null value", shelterbase.MustFilter(shelterbase.Eq("breed", nil)), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ix.Candidates(ctx, tt.filter)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Candidates mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if metrics.Counter(shelterbase.MetricIndexHits) == 0 || metrics.Counter(shelterbase.MetricIndexMisses) == 0 {
		t.Errorf("hits=%d misses=%d, want both recorded",
			metrics.Counter(shelterbase.MetricIndexHits), metrics.Counter(shelterbase.MetricIndexMisses))
	}
}

func TestIndexerTypedValues(t *testing.T) {
	ctx := context.Background()
	ix, _, _ := setupIndexer(t)
	ix.Declare([]shelterbase.IndexSpec{{Keys: []shelterbase.IndexKey{{Field: "age", Kind: shelterbase.IndexAsc}}}})
	if err := ix.Rebuild(ctx, []shelterbase.Document{
		{"_id": "n", "age": 3},
		{"_id": "s", "age": "3"},
	}); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	got, ok := ix.Candidates(ctx, shelterbase.MustFilter(shelterbase.Eq("age", 3.0)))
	if !ok || !cmp.Equal([]string{"n"}, got) {
		t.Errorf("numeric lookup = %v, %v; want [n]", got, ok)
	}
	got, ok = ix.Candidates(ctx, shelterbase.MustFilter(shelterbase.Eq("age", "3")))
	if !ok || !cmp.Equal([]string{"s"}, got) {
		t.Errorf("string lookup = %v, %v; want [s]", got, ok)
	}
}

func TestIndexerReplaceAndRemove(t *testing.T) {
	ctx := context.Background()
	ix, _, _ := setupIndexer(t)

	old := shelterbase.Document{"breed": "Beagle", "location": shelterbase.GeoPoint(-97.74, 30.27)}
	if err := ix.Add(ctx, "a", old); err != nil {
		t.Fatal(err)
	}
	updated := shelterbase.Document{"breed": "Poodle", "location": shelterbase.GeoPoint(-97.74, 30.27)}
	if err := ix.Replace(ctx, "a", old, updated); err != nil {
		t.Fatal(err)
	}

	if got, _ := ix.Candidates(ctx, shelterbase.MustFilter(shelterbase.Eq("breed", "Beagle"))); len(got) != 0 {
		t.Errorf("old value still indexed: %v", got)
	}
	if got, _ := ix.Candidates(ctx, shelterbase.MustFilter(shelterbase.Eq("breed", "Poodle"))); !cmp.Equal([]string{"a"}, got) {
		t.Errorf("new value lookup = %v", got)
	}

	if err := ix.Remove(ctx, "a", updated); err != nil {
		t.Fatal(err)
	}
	near, ok := ix.Near(ctx, -97.74, 30.27, 1000)
	if !ok || len(near) != 0 {
		t.Errorf("Near after remove = %v, %v", near, ok)
	}
}

func TestIndexerNear(t *testing.T) {
	ctx := context.Background()
	ix, _, _ := setupIndexer(t)

	_ = ix.Add(ctx, "near", shelterbase.Document{"location": shelterbase.GeoPoint(-97.7431, 30.2672)})
	_ = ix.Add(ctx, "mid", shelterbase.Document{"location": shelterbase.GeoPoint(-97.6789, 30.5083)})
	_ = ix.Add(ctx, "far", shelterbase.Document{"location": shelterbase.GeoPoint(-96.7970, 32.7767)})

	got, ok := ix.Near(ctx, -97.74, 30.27, 50000)
	if !ok {
		t.Fatal("Near was not served from the index")
	}
	if diff := cmp.Diff([]string{"near", "mid"}, got); diff != "" {
		t.Errorf("Near mismatch (-want +got):\n%s", diff)
	}
}

func TestIndexerPolarPointsDisableGeo(t *testing.T) {
	ctx := context.Background()
	ix, _, _ := setupIndexer(t)

	_ = ix.Add(ctx, "pole", shelterbase.Document{"location": shelterbase.GeoPoint(0, 89)})
	if ix.GeoComplete() {
		t.Fatal("geo set should be incomplete after a polar point")
	}
	if _, ok := ix.Near(ctx, 0, 80, 1000); ok {
		t.Error("incomplete geo set served a proximity lookup")
	}
}

func TestIndexerOutageMarksDirty(t *testing.T) {
	ctx := context.Background()
	ix, mr, metrics := setupIndexer(t)

	mr.Close()
	if err := ix.Add(ctx, "a", shelterbase.Document{"breed": "Beagle"}); err == nil {
		t.Fatal("Add succeeded with Redis down")
	}
	if !ix.Dirty() {
		t.Error("indexer should be dirty after a failed write")
	}
	if metrics.Counter(shelterbase.MetricIndexErrors) != 1 {
		t.Errorf("index errors = %d, want 1", metrics.Counter(shelterbase.MetricIndexErrors))
	}
	if _, ok := ix.Candidates(ctx, shelterbase.MustFilter(shelterbase.Eq("breed", "Beagle"))); ok {
		t.Error("dirty indexer served a lookup")
	}
}

func TestRedisOptions(t *testing.T) {
	cfg := shelterbase.DefaultConfig()
	if _, ok := RedisOptions(cfg); ok {
		t.Error("RedisOptions without an address should report not configured")
	}

	cfg.RedisAddr = "localhost:6380"
	cfg.RedisDB = 2
	opts, ok := RedisOptions(cfg)
	if !ok || opts.Addr != "localhost:6380" || opts.DB != 2 {
		t.Errorf("RedisOptions = %+v, %v", opts, ok)
	}
}
