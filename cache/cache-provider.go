package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is not stored in the namespace.
var ErrNotFound = errors.New("cache entry not found")

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses,
// grouped in namespaces. Every entry carries the time it was captured;
// the entry bytes and the capture time are always written together.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open creates the namespace if it does not exist yet.
	Open(ctx context.Context, namespace string) error
	// Namespaces lists every namespace physically present in the store.
	Namespaces(ctx context.Context) ([]string, error)
	// Drop deletes the namespace and every entry in it.
	Drop(ctx context.Context, namespace string) error
	// Get returns the entry stored under key, or ErrNotFound.
	Get(ctx context.Context, namespace, key string) (CacheEntry, error)
	// Put stores the entry, replacing any prior entry for the same key.
	// Put implicitly opens the namespace.
	Put(ctx context.Context, namespace string, ce CacheEntry) error
	// Purge removes the entry for the given key. Purging a missing key is not an error.
	Purge(ctx context.Context, namespace, key string) error
	// Clear removes every entry of the namespace but keeps the namespace itself.
	Clear(ctx context.Context, namespace string) error
	// Keys calls the given callback for each key in the namespace.
	Keys(ctx context.Context, namespace string, cb func(string)) error
	// Close releases the underlying storage.
	Close() error
}

type CacheEntry struct {
	Key        string
	CapturedAt time.Time
	Bytes      []byte
}
