// Package shelterbase is a validated, cached data-access layer over a
// document store of animal-shelter records.
//
// # Overview
//
// Every record goes through one Gateway. The gateway:
//
//   - Validates records against a schema before they reach the store
//   - Restricts updates to an allow-list of mutable fields
//   - Rejects deletes and updates with an empty filter
//   - Declares the index set on connect and flags unindexed filters
//   - Caches read and aggregation results until the next write
//   - Runs aggregation pipelines server-side with a closed stage set
//
// The store itself is anything that implements DocumentStore. Two
// implementations ship with the module: mongostore talks to MongoDB, and
// objectstore keeps one JSON object per record in S3, GCS, MinIO or a local
// directory with optional Redis secondary indexes.
//
// # Quick Start
//
//	store, err := mongostore.Open(ctx, "mongodb://localhost:27017", "aac", "animals", 5*time.Second)
//	if err != nil {
//	    return err
//	}
//	gw, err := shelterbase.New(store)
//	if err != nil {
//	    return err
//	}
//	if err := gw.Connect(ctx); err != nil {
//	    return err // ErrConnection, classified
//	}
//	defer gw.Close(ctx)
//
//	id, err := gw.Create(ctx, shelterbase.Document{
//	    "species": "Dog", "breed": "Beagle", "location_lat": 30.27, "location_long": -97.74,
//	})
//
//	dogs, err := gw.Read(ctx, shelterbase.NewQuery(
//	    shelterbase.MustFilter(shelterbase.Eq("species", "Dog"), shelterbase.Gte("age", 2)),
//	).WithProjection("name", "breed"))
//
//	top, err := gw.TopBreeds(ctx, shelterbase.Filter{}, 5)
//
// For local development the filesystem backend needs no services:
//
//	store := objectstore.NewStore(objectstore.NewFilesystemBackend("./data"), "animals")
//
// # Filters and Updates
//
// Filters are built from a closed operator set ($eq, $ne, $gt, $gte, $lt,
// $lte, $in, $nin). Field names beginning with '$' are rejected, so
// operator injection through field names is impossible. ParseFilter and
// ParseChanges accept the JSON forms used over HTTP.
//
// Updates are Set and Unset changes only. A change to a field outside the
// allow-list fails the whole update with a ForbiddenFieldError before the
// store is touched. The merged record is re-validated before it is written.
//
// # Caching
//
// The cache stamps every entry with the write generation current when the
// read began. Every acknowledged write advances the generation and purges
// the cache, and a result computed across a write is dropped instead of
// stored. A read that starts after a write returns never sees pre-write
// data.
//
// # Errors
//
// Failures are classified into sentinel errors: ErrValidation,
// ErrForbiddenField, ErrUnsafeOperation, ErrConnection, ErrTimeout,
// ErrWrite and ErrQuery. Use errors.Is, or ErrorKind for a stable string.
//
//	_, err := gw.Delete(ctx, shelterbase.Filter{})
//	if shelterbase.IsUnsafeOperation(err) {
//	    // an empty filter never reaches the store
//	}
//
// # Observability
//
// Logging goes through the Logger interface; ZapLogger is the production
// implementation. Metrics go through the Metrics interface;
// PrometheusMetrics exports operation counters, durations and cache
// statistics. QueryProfiler keeps recent read profiles with the path each
// took (cache, index or scan).
//
//	logger, _ := shelterbase.NewProductionZapLogger("info")
//	metrics := shelterbase.NewPrometheusMetrics(prometheus.DefaultRegisterer)
//	gw, _ := shelterbase.New(store, shelterbase.WithLogger(logger), shelterbase.WithMetrics(metrics))
//
// # Configuration
//
// ConfigFromEnv reads MONGO_URI, MONGO_DB, MONGO_COLL and the cache and
// timeout settings. The shelterbase command wires a gateway from it and
// serves the HTTP API.
package shelterbase
