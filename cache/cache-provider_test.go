package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]CacheProvider {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := NewSQLiteCache(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	level, err := NewLevelDBCache(filepath.Join(dir, "leveldb"))
	require.NoError(t, err)

	out := map[string]CacheProvider{
		"memory":  NewMemCache(),
		"sqlite":  sqlite,
		"leveldb": level,
	}
	if addr := os.Getenv("OFFLINE_CACHE_REDIS_ADDR"); addr != "" {
		r, err := NewRedisCache(context.Background(), RedisOptions{
			Addr:   addr,
			Prefix: "offline-cache-test:" + t.Name() + ":",
		})
		require.NoError(t, err)
		out["redis"] = r
	}
	t.Cleanup(func() {
		for _, p := range out {
			p.Close()
		}
	})
	return out
}

func TestProviders(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		p := p
		t.Run(name, func(t *testing.T) {
			captured := time.Unix(1700000000, 123)

			_, err := p.Get(ctx, "html-v1", "GET http://a/")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, p.Put(ctx, "html-v1", CacheEntry{Key: "GET http://a/", CapturedAt: captured, Bytes: []byte("one")}))
			require.NoError(t, p.Put(ctx, "html-v1", CacheEntry{Key: "GET http://a/x", CapturedAt: captured, Bytes: []byte("two")}))
			require.NoError(t, p.Open(ctx, "static-v1"))
			require.NoError(t, p.Put(ctx, "static-v1", CacheEntry{Key: "GET http://a/app.js", CapturedAt: captured, Bytes: []byte("js")}))

			ce, err := p.Get(ctx, "html-v1", "GET http://a/")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), ce.Bytes)
			assert.True(t, captured.Equal(ce.CapturedAt))

			// replace wholesale
			later := captured.Add(time.Minute)
			require.NoError(t, p.Put(ctx, "html-v1", CacheEntry{Key: "GET http://a/", CapturedAt: later, Bytes: []byte("uno")}))
			ce, err = p.Get(ctx, "html-v1", "GET http://a/")
			require.NoError(t, err)
			assert.Equal(t, []byte("uno"), ce.Bytes)
			assert.True(t, later.Equal(ce.CapturedAt))

			var keys []string
			require.NoError(t, p.Keys(ctx, "html-v1", func(k string) { keys = append(keys, k) }))
			assert.Equal(t, []string{"GET http://a/", "GET http://a/x"}, keys)

			names, err := p.Namespaces(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"html-v1", "static-v1"}, names)

			require.NoError(t, p.Purge(ctx, "html-v1", "GET http://a/x"))
			require.NoError(t, p.Purge(ctx, "html-v1", "GET http://a/missing"))
			_, err = p.Get(ctx, "html-v1", "GET http://a/x")
			assert.ErrorIs(t, err, ErrNotFound)

			// clear keeps the namespace and other namespaces
			require.NoError(t, p.Clear(ctx, "html-v1"))
			_, err = p.Get(ctx, "html-v1", "GET http://a/")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = p.Get(ctx, "static-v1", "GET http://a/app.js")
			assert.NoError(t, err)

			require.NoError(t, p.Drop(ctx, "static-v1"))
			_, err = p.Get(ctx, "static-v1", "GET http://a/app.js")
			assert.ErrorIs(t, err, ErrNotFound)
			names, err = p.Namespaces(ctx)
			require.NoError(t, err)
			assert.NotContains(t, names, "static-v1")
		})
	}
}

func TestSQLiteRowWithoutTimestamp(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec("INSERT INTO entries (namespace, key, bytes) VALUES (?, ?, ?)", "html-v1", "GET http://a/", []byte("x"))
	require.NoError(t, err)

	ce, err := s.Get(ctx, "html-v1", "GET http://a/")
	require.NoError(t, err)
	assert.True(t, ce.CapturedAt.IsZero())
}

func TestRecordRoundTrip(t *testing.T) {
	ce := CacheEntry{Key: "k", CapturedAt: time.Unix(10, 5), Bytes: []byte("body")}
	b, err := encodeRecord(ce)
	require.NoError(t, err)
	got, err := decodeRecord("k", b)
	require.NoError(t, err)
	assert.Equal(t, ce.Bytes, got.Bytes)
	assert.True(t, ce.CapturedAt.Equal(got.CapturedAt))

	_, err = decodeRecord("k", []byte("garbage"))
	assert.Error(t, err)
}
