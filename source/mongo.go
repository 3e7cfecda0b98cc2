package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Mongo reads from a live MongoDB database.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
}

// Connect opens a client for uri, verifies it with a ping and selects
// database.
func Connect(ctx context.Context, uri, database string, log *zap.Logger) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	log.Info("connected to document store", zap.String("database", database))
	return &Mongo{client: client, db: client.Database(database), log: log}, nil
}

// Collections implements Source.
func (m *Mongo) Collections(ctx context.Context) ([]string, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	out := names[:0]
	for _, n := range names {
		if !strings.HasPrefix(n, "system.") {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Count implements Source.
func (m *Mongo) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	if filter == nil {
		filter = bson.M{}
	}
	n, err := m.db.Collection(collection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Stream implements Source.
func (m *Mongo) Stream(ctx context.Context, collection string, opts StreamOptions, fn func(bson.M) error) error {
	filter := opts.Filter
	if filter == nil {
		filter = bson.M{}
	}
	find := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if opts.BatchSize > 0 {
		find.SetBatchSize(opts.BatchSize)
	}
	if opts.Limit > 0 {
		find.SetLimit(opts.Limit)
	}

	cur, err := m.db.Collection(collection).Find(ctx, filter, find)
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("decode %s document: %w", collection, err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", collection, err)
	}
	return nil
}

// Sample implements Source using the $sample aggregation stage.
func (m *Mongo) Sample(ctx context.Context, collection string, n int) ([]bson.M, error) {
	if n <= 0 {
		return nil, nil
	}
	pipeline := mongo.Pipeline{{{Key: "$sample", Value: bson.D{{Key: "size", Value: n}}}}}
	cur, err := m.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", collection, err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode %s sample: %w", collection, err)
	}
	return docs, nil
}

// FindByID implements Source. A 24-character hex string is tried as an
// ObjectID first, then as a plain string id.
func (m *Mongo) FindByID(ctx context.Context, collection string, id any) (bson.M, error) {
	coll := m.db.Collection(collection)

	candidates := []any{id}
	if s, ok := id.(string); ok {
		if oid, err := primitive.ObjectIDFromHex(s); err == nil {
			candidates = []any{oid, s}
		}
	}

	for _, c := range candidates {
		var doc bson.M
		err := coll.FindOne(ctx, bson.M{"_id": c}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find %s %v: %w", collection, id, err)
		}
		return doc, nil
	}
	return nil, ErrNotFound
}

// Close implements Source.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
