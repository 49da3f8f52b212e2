package shelterbase

import (
	"context"
	"fmt"
	"time"
)

// AggregationEngine runs validated pipelines on the store and caches their
// output in the same generation-stamped cache as reads.
type AggregationEngine struct {
	store      DocumentStore
	cache      *Cache
	logger     Logger
	metrics    Metrics
	profiler   *QueryProfiler
	collection string
	timeout    time.Duration
}

// Run executes p with its stages in the given order.
func (e *AggregationEngine) Run(ctx context.Context, p Pipeline) (docs []Document, err error) {
	start := time.Now()
	defer func() {
		e.metrics.Timing(MetricAggregateDuration, time.Since(start), "collection", e.collection)
		if err != nil {
			e.metrics.Increment(MetricAggregateError, "collection", e.collection, "kind", ErrorKind(err))
			return
		}
		e.metrics.Increment(MetricAggregateSuccess, "collection", e.collection)
	}()

	if len(p.stages) == 0 {
		return nil, WithContext(ErrQuery, map[string]interface{}{"reason": "pipeline has no stages"})
	}

	profile := e.profiler.StartProfile("RunAggregation")
	if profile != nil {
		profile.Path = PathScan
		defer func() {
			profile.ResultCount = len(docs)
			profile.Error = err
			e.profiler.Record(profile)
		}()
	}

	key := AggregateKey(e.collection, p)
	var gen uint64
	if e.cache != nil {
		gen = e.cache.Generation()
		if cached, ok := e.cache.Get(key); ok {
			if profile != nil {
				profile.Path = PathCache
			}
			return cached, nil
		}
	}

	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	docs, err = e.store.Aggregate(sctx, p)
	if err != nil {
		return nil, classifyRead("RunAggregation", e.collection, err)
	}
	if docs == nil {
		docs = []Document{}
	}

	if e.cache != nil {
		e.cache.Put(key, gen, docs)
	}
	e.logger.Debug("aggregation complete", "collection", e.collection, "stages", len(p.stages), "results", len(docs))
	return docs, nil
}

// BreedCount is one row of the breed ranking.
type BreedCount struct {
	Breed string `json:"breed"`
	Count int64  `json:"count"`
}

// TopBreedsPipeline ranks breeds among records matching base: match, group
// by breed with a count, sort descending, keep k.
func TopBreedsPipeline(base Filter, k int) (Pipeline, error) {
	if k <= 0 {
		return Pipeline{}, WithContext(ErrQuery, map[string]interface{}{"k": k, "reason": "must be positive"})
	}
	return NewPipeline(
		Match(base),
		GroupBy(FieldBreed, Count("count")),
		SortBy(SortKey{"count", Descending}, SortKey{IDField, Ascending}),
		Limit(k),
	)
}

// TopBreeds returns the k most frequent breeds among records matching base.
// Records without a breed are not ranked.
func (g *Gateway) TopBreeds(ctx context.Context, base Filter, k int) ([]BreedCount, error) {
	p, err := TopBreedsPipeline(base, k)
	if err != nil {
		return nil, err
	}
	rows, err := g.RunAggregation(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]BreedCount, 0, len(rows))
	for _, row := range rows {
		id, ok := row[IDField]
		if !ok || id == nil {
			continue
		}
		n, _ := ToFloat(row["count"])
		out = append(out, BreedCount{Breed: fmt.Sprint(id), Count: int64(n)})
	}
	return out, nil
}
