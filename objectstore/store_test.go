package objectstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/adrianmcphee/shelterbase"
)

func setupStore(t *testing.T, withIndexer bool) (*Store, *miniredis.Miniredis) {
	t.Helper()

	var opts []Option
	var mr *miniredis.Miniredis
	if withIndexer {
		mr = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		opts = append(opts, WithIndexer(NewIndexer(client, "animals")))
	}
	store := NewStore(NewFilesystemBackend(t.TempDir()), "animals", append(opts, WithPrefix("aac"))...)
	if _, err := store.CreateIndexes(context.Background(), shelterbase.DefaultIndexes()); err != nil {
		t.Fatalf("CreateIndexes failed: %v", err)
	}
	return store, mr
}

func insert(t *testing.T, s *Store, doc shelterbase.Document) string {
	t.Helper()
	id, err := s.InsertOne(context.Background(), doc)
	if err != nil {
		t.Fatalf("InsertOne failed: %v", err)
	}
	return id
}

func ids(docs []shelterbase.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}

func TestStoreCRUD(t *testing.T) {
	for _, withIndexer := range []bool{false, true} {
		name := "scan"
		if withIndexer {
			name = "indexed"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := setupStore(t, withIndexer)

			rex := insert(t, s, shelterbase.Document{"name": "Rex", "species": "Dog", "breed": "Beagle"})
			tom := insert(t, s, shelterbase.Document{"name": "Tom", "species": "Cat", "breed": "Siamese"})

			dogs, err := s.Find(ctx, shelterbase.MustFilter(shelterbase.Eq("species", "Dog")), shelterbase.FindOptions{})
			if err != nil {
				t.Fatalf("Find failed: %v", err)
			}
			if diff := cmp.Diff([]string{rex}, ids(dogs)); diff != "" {
				t.Errorf("Find dogs mismatch (-want +got):\n%s", diff)
			}

			res, err := s.UpdateOne(ctx, shelterbase.MustFilter(shelterbase.Eq(shelterbase.IDField, tom)),
				shelterbase.Changes{shelterbase.Set("breed", "Persian")})
			if err != nil {
				t.Fatalf("UpdateOne failed: %v", err)
			}
			if res != (shelterbase.WriteResult{Matched: 1, Modified: 1}) {
				t.Errorf("UpdateOne result = %+v", res)
			}

			persians, err := s.Find(ctx, shelterbase.MustFilter(shelterbase.Eq("breed", "Persian")), shelterbase.FindOptions{})
			if err != nil {
				t.Fatalf("Find failed: %v", err)
			}
			if diff := cmp.Diff([]string{tom}, ids(persians)); diff != "" {
				t.Errorf("Find after update mismatch (-want +got):\n%s", diff)
			}
			siamese, _ := s.Find(ctx, shelterbase.MustFilter(shelterbase.Eq("breed", "Siamese")), shelterbase.FindOptions{})
			if len(siamese) != 0 {
				t.Errorf("stale index entry: %v", ids(siamese))
			}

			del, err := s.DeleteOne(ctx, shelterbase.MustFilter(shelterbase.Eq("name", "Rex")))
			if err != nil {
				t.Fatalf("DeleteOne failed: %v", err)
			}
			if del.Deleted != 1 {
				t.Errorf("DeleteOne deleted = %d, want 1", del.Deleted)
			}

			all, err := s.Find(ctx, shelterbase.Filter{}, shelterbase.FindOptions{})
			if err != nil {
				t.Fatalf("Find all failed: %v", err)
			}
			if diff := cmp.Diff([]string{tom}, ids(all)); diff != "" {
				t.Errorf("Find all mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStoreUpdateNoChange(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t, false)
	id := insert(t, s, shelterbase.Document{"species": "Dog", "breed": "Beagle"})

	res, err := s.UpdateOne(ctx, shelterbase.MustFilter(shelterbase.Eq(shelterbase.IDField, id)),
		shelterbase.Changes{shelterbase.Set("breed", "Beagle")})
	if err != nil {
		t.Fatalf("UpdateOne failed: %v", err)
	}
	if res != (shelterbase.WriteResult{Matched: 1}) {
		t.Errorf("no-op update result = %+v, want matched only", res)
	}

	res, err = s.UpdateOne(ctx, shelterbase.MustFilter(shelterbase.Eq("breed", "Poodle")),
		shelterbase.Changes{shelterbase.Set("breed", "Collie")})
	if err != nil || res != (shelterbase.WriteResult{}) {
		t.Errorf("update with no match = %+v, %v", res, err)
	}
}

func TestStoreFindPaging(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t, false)
	var all []string
	for i := 0; i < 5; i++ {
		all = append(all, insert(t, s, shelterbase.Document{"species": "Dog", "age": i}))
	}

	page, err := s.Find(ctx, shelterbase.Filter{}, shelterbase.FindOptions{Skip: 1, Limit: 2})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if diff := cmp.Diff(all[1:3], ids(page)); diff != "" {
		t.Errorf("skip/limit mismatch (-want +got):\n%s", diff)
	}

	after, err := s.Find(ctx, shelterbase.Filter{}, shelterbase.FindOptions{AfterID: all[2]})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if diff := cmp.Diff(all[3:], ids(after)); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}

	projected, err := s.Find(ctx, shelterbase.MustFilter(shelterbase.Eq("age", 0)), shelterbase.FindOptions{Projection: []string{"age"}})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	want := []shelterbase.Document{{"_id": all[0], "age": float64(0)}}
	if diff := cmp.Diff(want, projected); diff != "" {
		t.Errorf("projection mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreFindNear(t *testing.T) {
	for _, withIndexer := range []bool{false, true} {
		t.Run(map[bool]string{false: "scan", true: "indexed"}[withIndexer], func(t *testing.T) {
			ctx := context.Background()
			s, _ := setupStore(t, withIndexer)

			austin := insert(t, s, shelterbase.Document{"species": "Dog", "location": shelterbase.GeoPoint(-97.7431, 30.2672)})
			roundRock := insert(t, s, shelterbase.Document{"species": "Cat", "location": shelterbase.GeoPoint(-97.6789, 30.5083)})
			insert(t, s, shelterbase.Document{"species": "Dog", "location": shelterbase.GeoPoint(-96.7970, 32.7767)})
			insert(t, s, shelterbase.Document{"species": "Dog"})

			near, err := s.FindNear(ctx, shelterbase.GeoQuery{Longitude: -97.74, Latitude: 30.27, MaxMeters: 50000, Limit: 10})
			if err != nil {
				t.Fatalf("FindNear failed: %v", err)
			}
			if diff := cmp.Diff([]string{austin, roundRock}, ids(near)); diff != "" {
				t.Errorf("FindNear mismatch (-want +got):\n%s", diff)
			}

			dogs, err := s.FindNear(ctx, shelterbase.GeoQuery{
				Longitude: -97.74, Latitude: 30.27, MaxMeters: 50000, Limit: 10,
				Filter: shelterbase.MustFilter(shelterbase.Eq("species", "Dog")),
			})
			if err != nil {
				t.Fatalf("FindNear failed: %v", err)
			}
			if diff := cmp.Diff([]string{austin}, ids(dogs)); diff != "" {
				t.Errorf("filtered FindNear mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStoreAggregate(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t, true)
	for _, b := range []string{"Beagle", "Beagle", "Poodle", "Beagle", "Poodle", "Collie"} {
		insert(t, s, shelterbase.Document{"species": "Dog", "breed": b})
	}
	insert(t, s, shelterbase.Document{"species": "Cat", "breed": "Siamese"})

	p, err := shelterbase.TopBreedsPipeline(shelterbase.MustFilter(shelterbase.Eq("species", "Dog")), 2)
	if err != nil {
		t.Fatalf("TopBreedsPipeline failed: %v", err)
	}
	rows, err := s.Aggregate(ctx, p)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	want := []shelterbase.Document{
		{"_id": "Beagle", "count": int64(3)},
		{"_id": "Poodle", "count": int64(2)},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("Aggregate mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreValidator(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t, false)
	if err := s.ApplyValidator(ctx, shelterbase.AnimalSchema()); err != nil {
		t.Fatalf("ApplyValidator failed: %v", err)
	}

	_, err := s.InsertOne(ctx, shelterbase.Document{"name": "No species"})
	if !errors.Is(err, shelterbase.ErrWrite) {
		t.Errorf("InsertOne error = %v, want ErrWrite", err)
	}
	if errors.Is(err, shelterbase.ErrValidation) {
		t.Error("store-side rejection must not report as a caller validation error")
	}

	all, _ := s.Find(ctx, shelterbase.Filter{}, shelterbase.FindOptions{})
	if len(all) != 0 {
		t.Errorf("rejected record was stored: %v", all)
	}
}

func TestStoreIndexerOutageFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	s, mr := setupStore(t, true)
	id := insert(t, s, shelterbase.Document{"species": "Dog", "breed": "Beagle"})

	mr.Close()
	insert(t, s, shelterbase.Document{"species": "Dog", "breed": "Beagle"})

	if !s.indexer.Dirty() {
		t.Fatal("indexer should be dirty after a failed write")
	}
	docs, err := s.Find(ctx, shelterbase.MustFilter(shelterbase.Eq("breed", "Beagle")), shelterbase.FindOptions{})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 2 || docs[0].ID() != id {
		t.Errorf("scan fallback returned %v", ids(docs))
	}
}

func TestStoreDatesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t, false)
	when, _ := shelterbase.ToTime("2019-05-08T14:30:00Z")
	id := insert(t, s, shelterbase.Document{"species": "Dog", "intake_date": when})

	docs, err := s.Find(ctx, shelterbase.MustFilter(shelterbase.Gte("intake_date", "2019-01-01")), shelterbase.FindOptions{})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID() != id {
		t.Fatalf("date range Find = %v", ids(docs))
	}
	got, ok := docs[0]["intake_date"].(time.Time)
	if !ok || !got.Equal(when) {
		t.Errorf("intake_date = %#v, want %v", docs[0]["intake_date"], when)
	}
}
