package freshness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/namespace"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// ErrCorruptEntry marks an entry that exists physically but cannot be used:
// its bytes do not decode, or it carries no capture time.
// Readers treat it as absent.
var ErrCorruptEntry = errors.New("corrupt cache entry")

// Entry is a stored response together with the instant it was captured.
type Entry struct {
	Key        string
	Payload    serializer.Payload
	CapturedAt time.Time
}

// Store wraps one namespace of a cache provider and answers freshness questions
// under the namespace TTL.
type Store struct {
	provider  cache.CacheProvider
	namespace namespace.Namespace
	now       func() time.Time
}

// New returns a store for the namespace. A nil clock means time.Now.
func New(provider cache.CacheProvider, ns namespace.Namespace, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{provider: provider, namespace: ns, now: now}
}

func (s *Store) Namespace() namespace.Namespace {
	return s.namespace
}

// Lookup returns the entry only if it is fresh, i.e. now - capturedAt <= ttl.
// The boolean is false when the entry is absent or expired.
// A corrupt entry is reported as absent together with ErrCorruptEntry.
func (s *Store) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := s.LookupAllowStale(ctx, key)
	if !ok || err != nil {
		return Entry{}, false, err
	}
	if s.Expired(e) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// LookupAllowStale returns the entry regardless of its age.
func (s *Store) LookupAllowStale(ctx context.Context, key string) (Entry, bool, error) {
	ce, err := s.provider.Get(ctx, s.namespace.ID(), key)
	if errors.Is(err, cache.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if ce.CapturedAt.IsZero() {
		return Entry{}, false, fmt.Errorf("%w: %s has no capture time", ErrCorruptEntry, key)
	}
	payload, err := serializer.BytesToPayload(ce.Bytes)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, key, err)
	}
	return Entry{Key: key, Payload: payload, CapturedAt: ce.CapturedAt}, true, nil
}

// Write stores the payload captured now, replacing any prior entry for the key.
func (s *Store) Write(ctx context.Context, key string, payload serializer.Payload) (Entry, error) {
	b, err := serializer.PayloadToBytes(payload)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Key: key, Payload: payload, CapturedAt: s.now()}
	err = s.provider.Put(ctx, s.namespace.ID(), cache.CacheEntry{
		Key:        key,
		CapturedAt: e.CapturedAt,
		Bytes:      b,
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.provider.Purge(ctx, s.namespace.ID(), key)
}

// Clear drops every key in the namespace.
func (s *Store) Clear(ctx context.Context) error {
	return s.provider.Clear(ctx, s.namespace.ID())
}

// Age is now - capturedAt.
func (s *Store) Age(e Entry) time.Duration {
	return s.now().Sub(e.CapturedAt)
}

// Expired reports whether the entry is older than the namespace TTL.
func (s *Store) Expired(e Entry) bool {
	if s.namespace.Unbounded() {
		return false
	}
	return s.Age(e) > s.namespace.TTL
}

// Remaining is the freshness lifetime left, negative once expired.
// It is zero for unbounded namespaces.
func (s *Store) Remaining(e Entry) time.Duration {
	if s.namespace.Unbounded() {
		return 0
	}
	return s.namespace.TTL - s.Age(e)
}
