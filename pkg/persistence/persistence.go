// Package persistence provides metastore implementations (in-memory,
// RDBMS, DynamoDB) and adapters for caller-supplied row record stores.
package persistence

import (
	"context"

	"github.com/rowseal/rowseal"
)

// LoaderFunc adapts an ordinary function to the rowseal.Loader
// interface.
type LoaderFunc func(ctx context.Context, key interface{}) (*rowseal.DataRowRecord, error)

// Load calls f(ctx, key).
func (f LoaderFunc) Load(ctx context.Context, key interface{}) (*rowseal.DataRowRecord, error) {
	return f(ctx, key)
}

// StorerFunc adapts an ordinary function to the rowseal.Storer
// interface.
type StorerFunc func(ctx context.Context, d rowseal.DataRowRecord) (interface{}, error)

// Store calls f(ctx, d).
func (f StorerFunc) Store(ctx context.Context, d rowseal.DataRowRecord) (interface{}, error) {
	return f(ctx, d)
}
