package shelterbase

import "context"

// DocumentStore is the protocol the gateway speaks to the underlying
// datastore. Implementations must be safe for concurrent use and should
// classify their failures into the package's sentinel errors where they can;
// the gateway classifies anything left over.
type DocumentStore interface {
	// Ping performs a cheap round trip to prove the store is reachable.
	Ping(ctx context.Context) error

	// Find returns records matching f ordered by _id with opts pushed down.
	Find(ctx context.Context, f Filter, opts FindOptions) ([]Document, error)

	// FindNear returns records within g.MaxMeters of the point, closest first.
	FindNear(ctx context.Context, g GeoQuery) ([]Document, error)

	// InsertOne stores doc and returns its identifier.
	InsertOne(ctx context.Context, doc Document) (string, error)

	// UpdateOne applies changes to the first record matching f.
	UpdateOne(ctx context.Context, f Filter, changes Changes) (WriteResult, error)

	// DeleteOne removes the first record matching f.
	DeleteOne(ctx context.Context, f Filter) (WriteResult, error)

	// Aggregate runs p server-side and returns its output documents.
	Aggregate(ctx context.Context, p Pipeline) ([]Document, error)

	// CreateIndexes declares specs and returns the names the store reports.
	// A privilege failure must be reported as ErrUnauthorized.
	CreateIndexes(ctx context.Context, specs []IndexSpec) ([]string, error)

	// ApplyValidator installs s as a store-side structural validator.
	ApplyValidator(ctx context.Context, s *Schema) error

	Close(ctx context.Context) error
}

// WriteResult is a store acknowledgement.
type WriteResult struct {
	Matched  int64
	Modified int64
	Deleted  int64
}
