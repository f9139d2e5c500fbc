// Package kv is a collection-scoped key/value store used as the persistence
// layer of the embedding store. Two backends are provided: SQLite (sharing the
// application database) and bbolt (a standalone file).
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in a collection.
var ErrNotFound = errors.New("not found")

// Store is a transactional key/value store partitioned into collections.
//
// Scan visits keys in ascending order. The callback must not call back into
// the Store: backends hold a read transaction for the duration of the scan.
type Store interface {
	EnsureCollection(ctx context.Context, name string) error
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Delete(ctx context.Context, collection, key string) error
	Count(ctx context.Context, collection string) (int, error)
	Scan(ctx context.Context, collection string, fn func(key string, value []byte) error) error
	Close() error
}

// ErrStopScan may be returned by a Scan callback to end the scan early
// without an error.
var ErrStopScan = errors.New("stop scan")
