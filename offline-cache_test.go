package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/control"
	"github.com/always-cache/offline-cache/namespace"
	"github.com/always-cache/offline-cache/pkg/eligibility"
	"github.com/always-cache/offline-cache/pkg/strategy"
)

type spyProvider struct {
	cache.MemCache
	reads  atomic.Int32
	writes atomic.Int32
}

func (s *spyProvider) Get(ctx context.Context, ns, key string) (cache.CacheEntry, error) {
	s.reads.Add(1)
	return s.MemCache.Get(ctx, ns, key)
}

func (s *spyProvider) Put(ctx context.Context, ns string, ce cache.CacheEntry) error {
	s.writes.Add(1)
	return s.MemCache.Put(ctx, ns, ce)
}

func (s *spyProvider) reset() {
	s.reads.Store(0)
	s.writes.Store(0)
}

// switchable fails every round trip while down.
type switchable struct {
	down atomic.Bool
}

func (s *switchable) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.down.Load() {
		return nil, errors.New("dial tcp: connect: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	origin    *httptest.Server
	hits      sync.Map
	transport *switchable
	provider  *spyProvider
	clock     *clock
	cache     *OfflineCache
	version   atomic.Int32
}

func registry(t *testing.T, version string) namespace.Registry {
	t.Helper()
	r, err := namespace.NewRegistry(
		namespace.Namespace{Name: namespace.HTML, Version: version, TTL: 10 * time.Minute, Strategy: namespace.TimeGatedHTML},
		namespace.Namespace{Name: namespace.API, Version: version, TTL: 30 * time.Minute, Strategy: namespace.NetworkFirst},
		namespace.Namespace{Name: namespace.Static, Version: version, Strategy: namespace.CacheFirst},
	)
	require.NoError(t, err)
	return r
}

func settings(t *testing.T, version string) Settings {
	return Settings{
		Registry: registry(t, version),
		Rules:    eligibility.DefaultRules(),
		Manifest: []string{"/offline"},
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, func(*Settings) {})
}

func newEnvWith(t *testing.T, configure func(*Settings)) *env {
	t.Helper()
	e := &env{
		transport: &switchable{},
		provider:  &spyProvider{MemCache: cache.NewMemCache()},
		clock:     &clock{t: time.Unix(1700000000, 0)},
	}
	e.version.Store(1)
	e.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := e.hits.LoadOrStore(r.Method+" "+r.URL.Path, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		switch {
		case r.URL.Path == "/offline":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<h1>You are offline</h1>")
		case r.URL.Path == "/private":
			w.Header().Set("Cache-Control", "no-store")
			fmt.Fprint(w, "secret")
		case strings.HasPrefix(r.URL.Path, "/missing"):
			http.NotFound(w, r)
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"version":%d}`, e.version.Load())
		default:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, "%s %s v%d", r.Method, r.URL.Path, e.version.Load())
		}
	}))
	t.Cleanup(e.origin.Close)

	origin, _ := url.Parse(e.origin.URL)
	logger := zerolog.Nop()
	s := settings(t, "v5")
	configure(&s)
	c, err := New(context.Background(), Config{
		Settings:  s,
		Cache:     e.provider,
		OriginURL: *origin,
		Logger:    &logger,
		Transport: e.transport,
		Now:       e.clock.now,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	e.cache = c
	e.provider.reset()
	return e
}

func (e *env) originHits(method, path string) int {
	n, ok := e.hits.Load(method + " " + path)
	if !ok {
		return 0
	}
	return int(n.(*atomic.Int32).Load())
}

func (e *env) do(t *testing.T, method, path, accept string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	e.cache.ServeHTTP(rec, req)
	return rec.Result()
}

func body(t *testing.T, res *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func TestInstallPrewarmsOfflineDocument(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, 1, e.originHits("GET", "/offline"))

	ce, err := e.provider.MemCache.Get(context.Background(), "static-v5", "GET "+e.origin.URL+"/offline")
	require.NoError(t, err)
	assert.Contains(t, string(ce.Bytes), "You are offline")
}

func TestNonGetNeverTouchesStore(t *testing.T) {
	e := newEnv(t)
	for _, method := range []string{"POST", "PUT", "DELETE", "PATCH"} {
		res := e.do(t, method, "/book/1", "text/html")
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, method+" /book/1 v1", body(t, res))
		assert.Contains(t, res.Header.Get("Cache-Status"), "fwd=method")
	}
	e.transport.down.Store(true)
	res := e.do(t, "POST", "/api/books", "")
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)

	assert.Zero(t, e.provider.reads.Load())
	assert.Zero(t, e.provider.writes.Load())
}

func TestExcludedPathsNeverTouchStore(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/cart", "/about", "/api/admin/users", "/offline"} {
		res := e.do(t, "GET", path, "text/html")
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
		assert.Contains(t, res.Header.Get("Cache-Status"), "fwd=bypass", path)
	}
	e.transport.down.Store(true)
	res := e.do(t, "GET", "/cart", "text/html")
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)

	assert.Zero(t, e.provider.reads.Load())
	assert.Zero(t, e.provider.writes.Load())
}

func TestHTMLPages(t *testing.T) {
	e := newEnv(t)

	res := e.do(t, "GET", "/book/1", "text/html")
	assert.Equal(t, "GET /book/1 v1", body(t, res))
	assert.Contains(t, res.Header.Get("Cache-Status"), "stored")

	e.version.Store(2)
	e.clock.advance(5 * time.Minute)
	res = e.do(t, "GET", "/book/1", "text/html")
	assert.Equal(t, "GET /book/1 v1", body(t, res), "fresh page is served from the store")
	assert.Equal(t, "300", res.Header.Get("Age"))
	assert.Equal(t, 1, e.originHits("GET", "/book/1"))

	e.clock.advance(6 * time.Minute)
	res = e.do(t, "GET", "/book/1", "text/html")
	assert.Equal(t, "GET /book/1 v2", body(t, res))

	e.transport.down.Store(true)
	e.clock.advance(24 * time.Hour)
	res = e.do(t, "GET", "/book/1", "text/html")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "GET /book/1 v2", body(t, res))
	assert.Equal(t, "true", res.Header.Get(strategy.StaleHeader))

	res = e.do(t, "GET", "/book/2", "text/html")
	assert.Equal(t, "<h1>You are offline</h1>", body(t, res))
	assert.Equal(t, "no-store", res.Header.Get("Cache-Control"))
}

func TestOfflineRedirectLeadsToStoredDocument(t *testing.T) {
	e := newEnvWith(t, func(s *Settings) { s.OfflineRedirect = true })
	e.transport.down.Store(true)

	res := e.do(t, "GET", "/book/9", "text/html")
	require.Equal(t, http.StatusFound, res.StatusCode)
	location := res.Header.Get("Location")
	assert.Equal(t, "/offline", location)

	res = e.do(t, "GET", location, "text/html")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "<h1>You are offline</h1>", body(t, res))
	assert.Equal(t, "no-store", res.Header.Get("Cache-Control"))
	assert.Zero(t, e.provider.writes.Load())

	e.transport.down.Store(false)
	res = e.do(t, "GET", location, "text/html")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Cache-Status"), "fwd=bypass")
	assert.Equal(t, 2, e.originHits("GET", "/offline"))
	assert.Zero(t, e.provider.writes.Load())
}

func TestAPIOffline(t *testing.T) {
	e := newEnv(t)
	res := e.do(t, "GET", "/api/books", "application/json")
	assert.Equal(t, `{"version":1}`, body(t, res))

	e.transport.down.Store(true)
	res = e.do(t, "GET", "/api/books", "application/json")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `{"version":1}`, body(t, res))
	assert.Equal(t, "true", res.Header.Get(strategy.StaleHeader))

	res = e.do(t, "GET", "/api/authors", "application/json")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "no-store", res.Header.Get("Cache-Control"))
	var payload strategy.OfflineError
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	assert.Equal(t, "offline", payload.Error)
	assert.Equal(t, e.origin.URL+"/api/authors", payload.Endpoint)
}

func TestStaticAssets(t *testing.T) {
	e := newEnv(t)
	res := e.do(t, "GET", "/_next/static/app.js", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	e.clock.advance(365 * 24 * time.Hour)
	e.transport.down.Store(true)
	res = e.do(t, "GET", "/_next/static/app.js", "")
	assert.Equal(t, "GET /_next/static/app.js v1", body(t, res))
	assert.Equal(t, 1, e.originHits("GET", "/_next/static/app.js"))

	res = e.do(t, "GET", "/_next/static/other.js", "")
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)

	e.transport.down.Store(false)
	e.do(t, "GET", "/missing.png", "")
	e.do(t, "GET", "/private", "")
	e.provider.reset()
	e.do(t, "GET", "/missing.png", "")
	e.do(t, "GET", "/private", "")
	assert.Equal(t, 2, e.originHits("GET", "/missing.png"), "errors are not cached")
	assert.Equal(t, 2, e.originHits("GET", "/private"), "no-store is honoured")
	assert.Zero(t, e.provider.writes.Load())
}

func TestDisableAndEnableCache(t *testing.T) {
	e := newEnv(t)
	c := control.NewChannel(control.Options{Target: e.cache, Logger: zerolog.Nop()})
	ctx := context.Background()

	n := c.Execute(ctx, control.Command{Type: control.DisableCache})
	assert.Equal(t, control.CacheDisabled, n.Type)
	assert.False(t, e.cache.CachingEnabled())

	res := e.do(t, "GET", "/book/1", "text/html")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "GET /book/1 v1", body(t, res))
	assert.Zero(t, e.provider.writes.Load())

	n = c.Execute(ctx, control.Command{Type: control.EnableCache})
	assert.Equal(t, control.CacheEnabled, n.Type)
	res = e.do(t, "GET", "/book/1", "text/html")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int32(1), e.provider.writes.Load())
}

func TestClearNamespace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.do(t, "GET", "/book/1", "text/html")
	e.do(t, "GET", "/api/books", "")
	e.do(t, "GET", "/_next/static/app.js", "")

	c := control.NewChannel(control.Options{Target: e.cache, Logger: zerolog.Nop()})
	n := c.Execute(ctx, control.Command{Type: control.ClearNamespace, Namespace: "static"})
	assert.Equal(t, control.CacheCleared, n.Type)

	keys := func(ns string) []string {
		var out []string
		require.NoError(t, e.provider.Keys(ctx, ns, func(k string) { out = append(out, k) }))
		return out
	}
	assert.Empty(t, keys("static-v5"))
	assert.Len(t, keys("html-v5"), 1)
	assert.Len(t, keys("api-v5"), 1)

	n = c.Execute(ctx, control.Command{Type: control.ClearNamespace, Namespace: "images"})
	assert.Equal(t, control.ClearFailed, n.Type)
}

func TestRevalidate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.do(t, "GET", "/book/1", "text/html")
	e.version.Store(2)

	require.NoError(t, e.cache.Revalidate(ctx, "/book/1", ""))
	res := e.do(t, "GET", "/book/1", "text/html")
	assert.Equal(t, "GET /book/1 v2", body(t, res))
	assert.Contains(t, res.Header.Get("Cache-Status"), "hit")

	e.do(t, "GET", "/api/books", "application/json")
	e.version.Store(3)
	require.NoError(t, e.cache.Revalidate(ctx, "/api/books", ""))
	e.transport.down.Store(true)
	res = e.do(t, "GET", "/api/books", "application/json")
	assert.Equal(t, `{"version":3}`, body(t, res), "API URLs are revalidated into the api namespace")
	e.transport.down.Store(false)

	assert.ErrorIs(t, e.cache.Revalidate(ctx, "/cart", ""), control.ErrExcluded)
	assert.Error(t, e.cache.Revalidate(ctx, "/missing", ""))

	e.transport.down.Store(true)
	assert.Error(t, e.cache.Revalidate(ctx, "/book/1", ""))

	e.cache.SetCachingEnabled(false)
	assert.ErrorIs(t, e.cache.Revalidate(ctx, "/book/1", ""), control.ErrCachingDisabled)
}

func TestInjectEntry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := control.NewChannel(control.Options{Target: e.cache, Logger: zerolog.Nop()})
	inject := func(path, html string) control.Notification {
		return c.Execute(ctx, control.Command{Type: control.InjectEntry, URL: path, Payload: &control.InjectPayload{Body: html}})
	}

	assert.Equal(t, control.EntryInjected, inject("/book/9", "<p>rendered</p>").Type)
	assert.Equal(t, control.InjectionSkipped, inject("/book/9", "<p>again</p>").Type)

	e.transport.down.Store(true)
	res := e.do(t, "GET", "/book/9", "text/html")
	assert.Equal(t, "<p>rendered</p>", body(t, res))
	assert.Equal(t, "true", res.Header.Get(control.InjectedHeader))
	assert.Contains(t, res.Header.Get("Cache-Status"), "hit")
	assert.Contains(t, res.Header.Get("Cache-Status"), "detail=injected")

	e.clock.advance(11 * time.Minute)
	assert.Equal(t, control.EntryInjected, inject("/book/9", "<p>later</p>").Type)

	assert.Equal(t, control.InjectionSkipped, inject("/cart", "<p>cart</p>").Type)

	n := c.Execute(ctx, control.Command{Type: control.InjectEntry, URL: "/book/11",
		Payload: &control.InjectPayload{Status: http.StatusInternalServerError, Body: "<p>broken</p>"}})
	assert.Equal(t, control.InjectionFailed, n.Type)
	assert.NotEmpty(t, n.Error)
	res = e.do(t, "GET", "/book/11", "text/html")
	assert.Equal(t, "<h1>You are offline</h1>", body(t, res), "failed injections are not stored")

	e.cache.SetCachingEnabled(false)
	assert.Equal(t, control.InjectionSkipped, inject("/book/10", "<p>x</p>").Type)
}

func TestUpgradeWaitsForInFlightRequests(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.do(t, "GET", "/book/1", "text/html")

	var events []control.Notification
	var mu sync.Mutex
	e.cache.SetNotifier(func(n control.Notification) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, n)
	})

	// hold one request in flight on the active generation
	g := e.cache.enter()
	done := make(chan error)
	go func() { done <- e.cache.Upgrade(ctx, settings(t, "v6")) }()

	require.Eventually(t, func() bool {
		e.cache.mu.Lock()
		defer e.cache.mu.Unlock()
		return e.cache.force != nil
	}, 5*time.Second, 5*time.Millisecond, "upgrade is not waiting")
	select {
	case <-done:
		t.Fatal("upgrade did not wait for the in-flight request")
	default:
	}
	res := e.do(t, "GET", "/book/1", "text/html")
	assert.Contains(t, res.Header.Get("Cache-Status"), "hit", "old generation still serves")

	require.NoError(t, e.cache.ForceActivate(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("force activation did not take over")
	}
	g.sessions.Leave()

	namespaces, err := e.provider.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api-v6", "html-v6", "static-v6"}, namespaces)

	res = e.do(t, "GET", "/book/1", "text/html")
	assert.Contains(t, res.Header.Get("Cache-Status"), "fwd=uri-miss")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, control.Activated, events[0].Type)
}

func TestUpgradeWhenIdle(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.cache.Upgrade(context.Background(), settings(t, "v6")))
	namespaces, err := e.provider.Namespaces(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"api-v6", "html-v6", "static-v6"}, namespaces)

	e.cache.mu.Lock()
	assert.Len(t, e.cache.retired, 1, "the replaced generation is kept until Close")
	e.cache.mu.Unlock()
	e.cache.Close()
	assert.Empty(t, e.cache.retired)

	bad := settings(t, "v7")
	bad.Registry, _ = namespace.NewRegistry(namespace.Namespace{Name: namespace.HTML, Version: "v7"})
	assert.ErrorIs(t, e.cache.Upgrade(context.Background(), bad), control.ErrUnknownNamespace)
}

func TestForceActivateWithoutUpgradeCollectsGarbage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.provider.Open(ctx, "html-v4"))
	require.NoError(t, e.cache.ForceActivate(ctx))
	namespaces, err := e.provider.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api-v5", "html-v5", "static-v5"}, namespaces)
}
