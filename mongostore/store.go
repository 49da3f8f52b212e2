// Package mongostore implements shelterbase.DocumentStore on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"

	"github.com/adrianmcphee/shelterbase"
)

// MongoDB server error codes the store maps to shelterbase kinds.
const (
	codeUnauthorized      = 13
	codeNamespaceNotFound = 26
	codeValidationFailed  = 121
)

// Store is a shelterbase.DocumentStore over one MongoDB collection.
type Store struct {
	client     *mongo.Client
	coll       *mongo.Collection
	ownsClient bool
	tr         translator
	logger     shelterbase.Logger
	metrics    shelterbase.Metrics

	mu       sync.RWMutex
	geoField string
}

var _ shelterbase.DocumentStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l shelterbase.Logger) Option { return func(s *Store) { s.logger = l } }

// WithMetrics sets the metrics sink for driver calls.
func WithMetrics(m shelterbase.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithDateFields names the fields whose string filter values are compared
// as dates. Defaults to the date fields of the animal schema.
func WithDateFields(fields ...string) Option {
	return func(s *Store) { s.tr = newTranslator(fields) }
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client *mongo.Client, database, collection string, opts ...Option) *Store {
	s := &Store{
		client:   client,
		coll:     client.Database(database).Collection(collection),
		tr:       newTranslator(shelterbase.AnimalSchema().DateFields()),
		logger:   &shelterbase.NoOpLogger{},
		metrics:  &shelterbase.NoOpMetrics{},
		geoField: shelterbase.FieldLocation,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to uri and returns a store that closes the client on Close.
// The driver connects lazily; the first Ping proves reachability.
func Open(ctx context.Context, uri, database, collection string, timeout time.Duration, opts ...Option) (*Store, error) {
	clientOpts := options.Client().ApplyURI(uri)
	if timeout > 0 {
		clientOpts.SetServerSelectionTimeout(timeout).SetConnectTimeout(timeout)
	}
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, shelterbase.Wrap(shelterbase.ErrConnection, err, map[string]interface{}{"database": database})
	}
	s := New(client, database, collection, opts...)
	s.ownsClient = true
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.client.Ping(ctx, readpref.Primary())
	s.observe("ping", start, err)
	return classify(err, "ping")
}

func (s *Store) Find(ctx context.Context, f shelterbase.Filter, opts shelterbase.FindOptions) ([]shelterbase.Document, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: shelterbase.IDField, Value: 1}})
	if p := s.tr.projection(opts.Projection); p != nil {
		findOpts.SetProjection(p)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(int64(opts.Skip))
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	start := time.Now()
	docs, err := s.find(ctx, s.tr.findFilter(f, opts.AfterID), findOpts)
	s.observe("find", start, err)
	return docs, err
}

func (s *Store) FindNear(ctx context.Context, g shelterbase.GeoQuery) ([]shelterbase.Document, error) {
	filter := s.tr.filter(g.Filter)
	s.mu.RLock()
	field := s.geoField
	s.mu.RUnlock()
	filter = append(filter, bson.E{Key: field, Value: near(g)})

	findOpts := options.Find()
	if g.Limit > 0 {
		findOpts.SetLimit(int64(g.Limit))
	}

	start := time.Now()
	docs, err := s.find(ctx, filter, findOpts)
	s.observe("near", start, err)
	return docs, err
}

func (s *Store) find(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]shelterbase.Document, error) {
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(err, "find")
	}
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, classify(err, "find")
	}
	return toDocuments(raw), nil
}

func (s *Store) InsertOne(ctx context.Context, doc shelterbase.Document) (string, error) {
	start := time.Now()
	res, err := s.coll.InsertOne(ctx, map[string]interface{}(doc))
	s.observe("insert", start, err)
	if err != nil {
		return "", classify(err, "insert")
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	id, _ := normalize(res.InsertedID).(string)
	return id, nil
}

func (s *Store) UpdateOne(ctx context.Context, f shelterbase.Filter, changes shelterbase.Changes) (shelterbase.WriteResult, error) {
	update := s.tr.update(changes)
	if len(update) == 0 {
		return shelterbase.WriteResult{}, nil
	}

	start := time.Now()
	res, err := s.coll.UpdateOne(ctx, s.tr.filter(f), update)
	s.observe("update", start, err)
	if err != nil {
		return shelterbase.WriteResult{}, classify(err, "update")
	}
	return shelterbase.WriteResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (s *Store) DeleteOne(ctx context.Context, f shelterbase.Filter) (shelterbase.WriteResult, error) {
	start := time.Now()
	res, err := s.coll.DeleteOne(ctx, s.tr.filter(f))
	s.observe("delete", start, err)
	if err != nil {
		return shelterbase.WriteResult{}, classify(err, "delete")
	}
	return shelterbase.WriteResult{Matched: res.DeletedCount, Deleted: res.DeletedCount}, nil
}

func (s *Store) Aggregate(ctx context.Context, p shelterbase.Pipeline) ([]shelterbase.Document, error) {
	start := time.Now()
	cursor, err := s.coll.Aggregate(ctx, s.tr.pipeline(p))
	if err != nil {
		s.observe("aggregate", start, err)
		return nil, classify(err, "aggregate")
	}
	var raw []bson.M
	err = cursor.All(ctx, &raw)
	s.observe("aggregate", start, err)
	if err != nil {
		return nil, classify(err, "aggregate")
	}
	return toDocuments(raw), nil
}

// CreateIndexes creates specs in one createIndexes command. Existing
// indexes with the same definition are left alone by the server.
func (s *Store) CreateIndexes(ctx context.Context, specs []shelterbase.IndexSpec) ([]string, error) {
	models := make([]mongo.IndexModel, 0, len(specs))
	for _, spec := range specs {
		if spec.IsGeo() {
			for _, k := range spec.Keys {
				if k.Kind == shelterbase.Index2DSphere {
					s.mu.Lock()
					s.geoField = k.Field
					s.mu.Unlock()
				}
			}
		}
		models = append(models, mongo.IndexModel{
			Keys:    indexKeys(spec),
			Options: options.Index().SetName(spec.IndexName()),
		})
	}

	start := time.Now()
	names, err := s.coll.Indexes().CreateMany(ctx, models)
	s.observe("create_indexes", start, err)
	if err != nil {
		return nil, classify(err, "create_indexes")
	}
	return names, nil
}

// ApplyValidator installs schema as the collection's $jsonSchema validator
// with moderate validation, creating the collection if it does not exist.
func (s *Store) ApplyValidator(ctx context.Context, schema *shelterbase.Schema) error {
	validator := bson.M{"$jsonSchema": schema.JSONSchema()}
	cmd := bson.D{
		{Key: "collMod", Value: s.coll.Name()},
		{Key: "validator", Value: validator},
		{Key: "validationLevel", Value: "moderate"},
	}

	start := time.Now()
	err := s.coll.Database().RunCommand(ctx, cmd).Err()
	if hasCode(err, codeNamespaceNotFound) {
		err = s.coll.Database().CreateCollection(ctx, s.coll.Name(),
			options.CreateCollection().SetValidator(validator).SetValidationLevel("moderate"))
	}
	s.observe("apply_validator", start, err)
	return classify(err, "apply_validator")
}

func (s *Store) Close(ctx context.Context) error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) observe(op string, start time.Time, err error) {
	s.metrics.Increment(shelterbase.MetricBackendOps, "op", op)
	s.metrics.Timing(shelterbase.MetricBackendLatency, time.Since(start), "op", op)
	if err != nil {
		s.metrics.Increment(shelterbase.MetricBackendErrors, "op", op)
		s.logger.Debug("mongodb call failed", "op", op, "collection", s.coll.Name(), "error", err)
	}
}

// classify maps driver errors onto shelterbase kinds.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	ctx := map[string]interface{}{"op": op}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err):
		return shelterbase.Wrap(shelterbase.ErrTimeout, err, ctx)
	case mongo.IsNetworkError(err) || errors.Is(err, mongo.ErrClientDisconnected) || isServerSelection(err):
		return shelterbase.Wrap(shelterbase.ErrConnection, err, ctx)
	case hasCode(err, codeUnauthorized):
		return shelterbase.Wrap(shelterbase.ErrUnauthorized, err, ctx)
	case hasCode(err, codeValidationFailed):
		ctx["reason"] = "document failed validation"
		return shelterbase.Wrap(shelterbase.ErrWrite, err, ctx)
	case mongo.IsDuplicateKeyError(err), isWriteOp(op):
		return shelterbase.Wrap(shelterbase.ErrWrite, err, ctx)
	default:
		return shelterbase.Wrap(shelterbase.ErrQuery, err, ctx)
	}
}

func isWriteOp(op string) bool {
	switch op {
	case "insert", "update", "delete":
		return true
	}
	return false
}

func hasCode(err error, code int) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(code)
}

func isServerSelection(err error) bool {
	var sse topology.ServerSelectionError
	return errors.As(err, &sse)
}
