package shelterbase

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewPipelineRejects(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
	}{
		{"no stages", nil},
		{"group without accumulators", []Stage{GroupBy("breed")}},
		{"group on expression", []Stage{GroupBy("$breed", Count("n"))}},
		{"accumulator named _id", []Stage{GroupBy("breed", Count("_id"))}},
		{"duplicate accumulator", []Stage{GroupBy("breed", Count("n"), Sum("n", "age"))}},
		{"sum without field", []Stage{GroupBy("breed", Sum("total", ""))}},
		{"bad sort direction", []Stage{Sort("age", Direction(2))}},
		{"zero limit", []Stage{Limit(0)}},
		{"negative skip", []Stage{Skip(-1)}},
		{"empty project", []Stage{Project()}},
		{"unknown stage", []Stage{{kind: "$lookup"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPipeline(tt.stages...); !errors.Is(err, ErrQuery) {
				t.Errorf("NewPipeline error = %v, want ErrQuery", err)
			}
		})
	}
}

func TestPipelineDocuments(t *testing.T) {
	p, err := NewPipeline(
		Match(MustFilter(Eq("species", "Dog"))),
		GroupBy("breed", Count("count"), Avg("mean_age", "age")),
		Sort("count", Descending),
		Limit(5),
	)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	want := []map[string]interface{}{
		{"$match": map[string]interface{}{"species": map[string]interface{}{"$eq": "Dog"}}},
		{"$group": map[string]interface{}{
			"_id":      "$breed",
			"count":    map[string]interface{}{"$sum": 1},
			"mean_age": map[string]interface{}{"$avg": "$age"},
		}},
		{"$sort": []interface{}{map[string]interface{}{"count": -1}}},
		{"$limit": 5},
	}
	if diff := cmp.Diff(want, p.Documents()); diff != "" {
		t.Errorf("Documents mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePipeline(t *testing.T) {
	raw := []map[string]interface{}{
		{"$match": map[string]interface{}{"adopted": true}},
		{"$group": map[string]interface{}{
			"_id":    "$breed",
			"count":  map[string]interface{}{"$sum": 1.0},
			"oldest": map[string]interface{}{"$max": "$age"},
		}},
		{"$sort": map[string]interface{}{"count": -1.0}},
		{"$skip": 0.0},
		{"$limit": 3.0},
		{"$project": map[string]interface{}{"_id": 1.0, "count": 1.0}},
	}
	p, err := ParsePipeline(raw)
	if err != nil {
		t.Fatalf("ParsePipeline failed: %v", err)
	}

	stages := p.Stages()
	if len(stages) != 6 {
		t.Fatalf("got %d stages, want 6", len(stages))
	}
	if stages[1].GroupField() != "breed" {
		t.Errorf("group field = %q", stages[1].GroupField())
	}
	wantAccs := []Accumulator{Count("count"), MaxOf("oldest", "age")}
	if diff := cmp.Diff(wantAccs, stages[1].Accumulators()); diff != "" {
		t.Errorf("accumulators mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]SortKey{{"count", Descending}}, stages[2].SortKeys()); diff != "" {
		t.Errorf("sort keys mismatch (-want +got):\n%s", diff)
	}
	if stages[4].N() != 3 {
		t.Errorf("limit = %d", stages[4].N())
	}
	if diff := cmp.Diff([]string{"count"}, stages[5].Fields()); diff != "" {
		t.Errorf("project fields mismatch (-want +got):\n%s", diff)
	}

	// Round trip through the wire form keeps the cache key stable.
	again, err := ParsePipeline(p.Documents())
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}
	if AggregateKey("animals", p) != AggregateKey("animals", again) {
		t.Error("re-parsed pipeline has a different key")
	}
}

func TestParsePipelineRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  []map[string]interface{}
	}{
		{"empty", nil},
		{"two operators", []map[string]interface{}{{"$limit": 1.0, "$skip": 1.0}}},
		{"lookup", []map[string]interface{}{{"$lookup": map[string]interface{}{"from": "users"}}}},
		{"out", []map[string]interface{}{{"$out": "copy"}}},
		{"match with where", []map[string]interface{}{{"$match": map[string]interface{}{"$where": "1"}}}},
		{"group without _id", []map[string]interface{}{{"$group": map[string]interface{}{"n": map[string]interface{}{"$sum": 1.0}}}}},
		{"group on literal", []map[string]interface{}{{"$group": map[string]interface{}{"_id": "breed", "n": map[string]interface{}{"$sum": 1.0}}}}},
		{"push accumulator", []map[string]interface{}{{"$group": map[string]interface{}{"_id": nil, "all": map[string]interface{}{"$push": "$name"}}}}},
		{"fractional limit", []map[string]interface{}{{"$limit": 1.5}}},
		{"exclusion projection", []map[string]interface{}{{"$project": map[string]interface{}{"name": 0.0}}}},
		{"multi-key sort document", []map[string]interface{}{{"$sort": map[string]interface{}{"a": 1.0, "b": 1.0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePipeline(tt.raw); !errors.Is(err, ErrQuery) {
				t.Errorf("ParsePipeline error = %v, want ErrQuery", err)
			}
		})
	}
}

func TestTopBreedsPipeline(t *testing.T) {
	if _, err := TopBreedsPipeline(Filter{}, 0); !errors.Is(err, ErrQuery) {
		t.Errorf("k=0 error = %v, want ErrQuery", err)
	}

	p, err := TopBreedsPipeline(MustFilter(Eq("species", "Dog")), 5)
	if err != nil {
		t.Fatalf("TopBreedsPipeline failed: %v", err)
	}
	stages := p.Stages()
	if stages[0].Kind() != StageMatch || stages[len(stages)-1].Kind() != StageLimit {
		t.Fatalf("unexpected stage layout: %v", p.Documents())
	}
	if stages[len(stages)-1].N() != 5 {
		t.Errorf("limit = %d, want 5", stages[len(stages)-1].N())
	}
	if diff := cmp.Diff([]string{"species"}, stages[0].Filter().Fields()); diff != "" {
		t.Errorf("match fields mismatch (-want +got):\n%s", diff)
	}
	if stages[1].GroupField() != FieldBreed {
		t.Errorf("group field = %q, want breed", stages[1].GroupField())
	}
}
