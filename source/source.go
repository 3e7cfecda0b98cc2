// Package source reads documents from the document store.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrNotFound is returned by FindByID when no document has the given id.
var ErrNotFound = errors.New("document not found")

// StreamOptions controls a full scan of one collection.
type StreamOptions struct {
	Filter    bson.M
	BatchSize int32
	// Limit stops the scan after this many documents; zero means no limit.
	Limit int64
}

// Source is a read-only view of a document store.
type Source interface {
	// Collections lists the collection names in lexical order.
	Collections(ctx context.Context) ([]string, error)
	// Count returns the number of documents matching filter.
	Count(ctx context.Context, collection string, filter bson.M) (int64, error)
	// Stream calls fn for every matching document in _id order. An error
	// from fn stops the scan and is returned.
	Stream(ctx context.Context, collection string, opts StreamOptions, fn func(bson.M) error) error
	// Sample returns up to n documents chosen at random.
	Sample(ctx context.Context, collection string, n int) ([]bson.M, error)
	// FindByID returns the document whose _id equals id.
	FindByID(ctx context.Context, collection string, id any) (bson.M, error)
	Close(ctx context.Context) error
}

// ParseFilter converts a filter read from a mapping file into a query
// document. Extended JSON wrappers such as {"$oid": "..."} become BSON values.
func ParseFilter(filter map[string]any) (bson.M, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	var out bson.M
	if err := bson.UnmarshalExtJSON(data, false, &out); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	return out, nil
}
