package strategy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/metrics"
	"github.com/always-cache/offline-cache/namespace"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/freshness"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// Fetcher is the network boundary. A response with any status is a success;
// only transport failures are errors.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (serializer.Payload, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (serializer.Payload, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (serializer.Payload, error) {
	return f(ctx, req)
}

// Source tells where a response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceStale    Source = "stale"
	SourceOffline  Source = "offline"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
	SourceFailed   Source = "failed"
)

// Headers added to responses served from the store.
const (
	StaleHeader = "X-Cache-Stale"
)

// Invocation is everything one strategy run needs. CachingEnabled is read once,
// when the request enters the cache, and stays fixed for the run.
type Invocation struct {
	Request        *http.Request
	Key            string
	Store          *freshness.Store
	CachingEnabled bool
}

// Result of a strategy run. Err is set only when a transport failure is
// propagated to the caller; Payload is then empty.
type Result struct {
	Payload serializer.Payload
	Source  Source
	Status  cachestatus.CacheStatus
	Age     time.Duration
	Err     error
}

// OfflineFallback locates the document served when a page can be neither
// fetched nor found in the store.
type OfflineFallback struct {
	// Store holding the pre-warmed document, usually the static namespace.
	Store *freshness.Store
	// Key of the document in Store.
	Key string
	// Location of the document, used when redirecting.
	Location string
	// Redirect answers with a 302 to Location instead of serving the document.
	Redirect bool
}

type Options struct {
	Fetcher Fetcher
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Offline OfflineFallback
	// Maximum concurrent background refreshes. Defaults to 32.
	MaxBackground int
	Now           func() time.Time
}

// Executor runs the caching strategies. It is safe for concurrent use.
type Executor struct {
	fetcher   Fetcher
	log       zerolog.Logger
	metrics   *metrics.Metrics
	offline   OfflineFallback
	refresher *refresher
	now       func() time.Time
}

func NewExecutor(opts Options) *Executor {
	if opts.MaxBackground <= 0 {
		opts.MaxBackground = 32
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		fetcher:   opts.Fetcher,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		offline:   opts.Offline,
		refresher: newRefresher(opts.MaxBackground),
		now:       opts.Now,
	}
}

// Execute runs the named strategy.
func (e *Executor) Execute(ctx context.Context, s namespace.Strategy, inv Invocation) Result {
	var res Result
	switch s {
	case namespace.CacheFirst:
		res = e.CacheFirst(ctx, inv)
	case namespace.NetworkFirst:
		res = e.NetworkFirst(ctx, inv)
	case namespace.StaleWhileRevalidate:
		res = e.StaleWhileRevalidate(ctx, inv)
	case namespace.TimeGatedHTML:
		res = e.TimeGatedHTML(ctx, inv)
	default:
		res = e.Bypass(ctx, inv)
	}
	e.metrics.Response(e.namespaceID(inv), string(res.Source))
	return res
}

// Wait blocks until all background refreshes are done.
func (e *Executor) Wait() {
	e.refresher.wait()
}

func (e *Executor) namespaceID(inv Invocation) string {
	if inv.Store == nil {
		return ""
	}
	return inv.Store.Namespace().ID()
}

func (e *Executor) logger(inv Invocation) zerolog.Logger {
	return e.log.With().
		Str("key", inv.Key).
		Str("namespace", e.namespaceID(inv)).
		Logger()
}

// fetch performs the network call for the invocation.
func (e *Executor) fetch(ctx context.Context, inv Invocation) (serializer.Payload, error) {
	return e.fetcher.Fetch(ctx, inv.Request)
}

// lookup reads the store. Store failures and corrupt entries are logged and
// reported as a miss.
func (e *Executor) lookup(ctx context.Context, inv Invocation, allowStale bool) (freshness.Entry, bool) {
	var (
		entry freshness.Entry
		ok    bool
		err   error
	)
	if allowStale {
		entry, ok, err = inv.Store.LookupAllowStale(ctx, inv.Key)
	} else {
		entry, ok, err = inv.Store.Lookup(ctx, inv.Key)
	}
	if err != nil {
		log := e.logger(inv)
		if errors.Is(err, freshness.ErrCorruptEntry) {
			log.Warn().Err(err).Msg("Ignoring unusable cache entry")
			e.metrics.StoreError("corrupt")
		} else {
			log.Error().Err(err).Msg("Could not read from cache")
			e.metrics.StoreError("read")
		}
		return freshness.Entry{}, false
	}
	return entry, ok
}

// store writes a successful response. It reports whether the write happened.
func (e *Executor) store(ctx context.Context, inv Invocation, p serializer.Payload) bool {
	log := e.logger(inv)
	if !inv.CachingEnabled {
		log.Trace().Msg("Caching disabled, not storing")
		return false
	}
	if !p.OK() {
		log.Trace().Int("http-status", p.StatusCode).Msg("Non-cacheable response")
		return false
	}
	if mustNotStore(p) {
		log.Trace().Msg("Response forbids storing")
		return false
	}
	if _, err := inv.Store.Write(ctx, inv.Key, p); err != nil {
		log.Error().Err(err).Msg("Could not write to cache")
		e.metrics.StoreError("write")
		return false
	}
	log.Trace().Msg("Cache write")
	return true
}

func mustNotStore(p serializer.Payload) bool {
	for _, cc := range p.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(cc, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "no-store") {
				return true
			}
		}
	}
	return false
}

// fromNetwork annotates a live response.
func (e *Executor) fromNetwork(p serializer.Payload, reason cachestatus.FwdReason, stored bool, inv Invocation) Result {
	if p.Header == nil {
		p.Header = make(http.Header)
	}
	cs := cachestatus.CacheStatus{}
	cs.Forward(reason)
	cs.ForwardStatus(p.StatusCode)
	if stored {
		cs.Stored()
	}
	if !inv.CachingEnabled {
		cs.Detail(cachestatus.DetailDisabled)
	}
	cs.Apply(p.Header)
	return Result{Payload: p, Source: SourceNetwork, Status: cs}
}

// fromCache annotates a stored entry. Stale entries served as a fallback are
// marked, so callers can tell degraded data apart.
func (e *Executor) fromCache(entry freshness.Entry, inv Invocation, stale bool) Result {
	p := entry.Payload.Clone()
	if p.Header == nil {
		p.Header = make(http.Header)
	}
	age := inv.Store.Age(entry)
	cs := cachestatus.CacheStatus{}
	cs.Hit()
	if !inv.Store.Namespace().Unbounded() {
		cs.TimeToLive(inv.Store.Remaining(entry))
	}
	source := SourceCache
	if stale {
		cs.Detail(cachestatus.DetailStale)
		p.Header.Set(StaleHeader, "true")
		source = SourceStale
	} else if p.Header.Get(cachestatus.InjectedHeader) != "" {
		cs.Detail(cachestatus.DetailInjected)
	}
	cs.Apply(p.Header)
	cachestatus.SetAge(p.Header, age)
	return Result{Payload: p, Source: source, Status: cs, Age: age}
}

func failed(err error) Result {
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	cs.Detail(cachestatus.DetailOffline)
	return Result{Source: SourceFailed, Status: cs, Err: err}
}
