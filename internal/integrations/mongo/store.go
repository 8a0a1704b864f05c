// Package mongo persists pipeline state documents in a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
	"github.com/turbolytics/tabulator/internal/pipeline"
)

const defaultCollection = "ingestion_states"

type Option func(*StateStore)

func WithLogger(logger *zap.Logger) Option {
	return func(s *StateStore) {
		s.logger = logger
	}
}

// StateStore keeps one document per dataset, keyed by dataset id.
type StateStore struct {
	client     *mongo.Client
	database   string
	collection string
	logger     *zap.Logger
}

// NewStateStore connects using a URI of the form
// mongodb://host:27017/<database>?collection=<collection>.
func NewStateStore(ctx context.Context, uri *url.URL, opts ...Option) (*StateStore, error) {
	database := strings.TrimPrefix(uri.Path, "/")
	if database == "" {
		return nil, fmt.Errorf("mongo uri %q must name a database", uri.Redacted())
	}

	collection := uri.Query().Get("collection")
	if collection == "" {
		collection = defaultCollection
	}

	clean := *uri
	q := clean.Query()
	q.Del("collection")
	clean.RawQuery = q.Encode()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(clean.String()))
	if err != nil {
		return nil, err
	}

	s := &StateStore{
		client:     client,
		database:   database,
		collection: collection,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect verifies the server is reachable.
func (s *StateStore) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return internal.NewError(internal.KindTransient, "ping mongo", err)
	}
	s.logger.Info("mongo state store connected",
		zap.String("database", s.database),
		zap.String("collection", s.collection))
	return nil
}

func (s *StateStore) coll() *mongo.Collection {
	return s.client.Database(s.database).Collection(s.collection)
}

func (s *StateStore) Load(ctx context.Context, datasetID string) (*pipeline.State, error) {
	var state pipeline.State
	err := s.coll().FindOne(ctx, bson.M{"_id": datasetID}).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load state", err)
	}
	return &state, nil
}

func (s *StateStore) Save(ctx context.Context, state *pipeline.State) error {
	_, err := s.coll().ReplaceOne(ctx,
		bson.M{"_id": state.DatasetID},
		state,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return classify("save state", err)
	}
	s.logger.Debug("state saved",
		zap.String("dataset_id", state.DatasetID),
		zap.String("stage", state.Describe()))
	return nil
}

func (s *StateStore) List(ctx context.Context) ([]*pipeline.State, error) {
	cur, err := s.coll().Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, classify("list states", err)
	}
	defer cur.Close(ctx)

	states := []*pipeline.State{}
	for cur.Next(ctx) {
		var st pipeline.State
		if err := cur.Decode(&st); err != nil {
			return nil, internal.NewError(internal.KindStorage, "decode state", err)
		}
		states = append(states, &st)
	}
	if err := cur.Err(); err != nil {
		return nil, classify("list states", err)
	}
	return states, nil
}

func (s *StateStore) Delete(ctx context.Context, datasetID string) error {
	if _, err := s.coll().DeleteOne(ctx, bson.M{"_id": datasetID}); err != nil {
		return classify("delete state", err)
	}
	s.logger.Info("state deleted", zap.String("dataset_id", datasetID))
	return nil
}

func (s *StateStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func classify(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return internal.NewError(internal.KindTransient, op, err)
	}
	return internal.StorageError(op, err)
}
