package offlinecache

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/control"
	"github.com/always-cache/offline-cache/metrics"
	"github.com/always-cache/offline-cache/namespace"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/eligibility"
	recorder "github.com/always-cache/offline-cache/pkg/response-recorder"
	"github.com/always-cache/offline-cache/pkg/strategy"
)

// Settings are the parts of the configuration that change between generations.
type Settings struct {
	// Current namespaces. Must contain html, api and static.
	Registry namespace.Registry
	// Eligibility rules, including the offline document path.
	Rules eligibility.Rules
	// URLs pre-warmed into the static namespace on install.
	Manifest []string
	// Answer pages that are unavailable offline with a redirect to the
	// offline document instead of serving it.
	OfflineRedirect bool
	// Concurrent background refreshes. Defaults to 32.
	MaxBackground int
}

type Config struct {
	Settings
	// Storage for cache entries.
	Cache cache.CacheProvider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional collectors.
	Metrics *metrics.Metrics
	// Transport to the origin. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Clock. Defaults to time.Now.
	Now func() time.Time
}

// OfflineCache is an http.Handler serving requests through the caching strategies
// of the namespace each request belongs to.
type OfflineCache struct {
	cache        cache.CacheProvider
	keyer        cachekey.CacheKeyer
	log          zerolog.Logger
	metrics      *metrics.Metrics
	reverseproxy *httputil.ReverseProxy
	fetcher      *originFetcher
	now          func() time.Time

	// read once per request and passed down with the invocation
	cachingEnabled atomic.Bool

	current atomic.Pointer[generation]
	// serializes upgrades
	upgradeMu sync.Mutex
	// guards force, notify and retired
	mu     sync.Mutex
	force  chan struct{}
	notify func(control.Notification)
	// executors of replaced generations, their refreshes may still run
	retired []*strategy.Executor
}

// New creates the cache, installs its first generation and activates it.
func New(ctx context.Context, config Config) (*OfflineCache, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	if config.Now == nil {
		config.Now = time.Now
	}

	a := &OfflineCache{
		cache:   config.Cache,
		keyer:   cachekey.NewCacheKeyer(&config.OriginURL),
		log:     logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
	a.cachingEnabled.Store(true)

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if config.Transport == nil {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}

	a.reverseproxy = &httputil.ReverseProxy{
		Director:     createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport:    transport,
		ErrorHandler: a.proxyError,
	}
	a.fetcher = &originFetcher{proxy: a.reverseproxy}

	g, err := a.newGeneration(config.Settings)
	if err != nil {
		return nil, err
	}
	a.install(ctx, g)
	if err := a.activate(ctx, g); err != nil {
		a.log.Error().Err(err).Msg("Activation incomplete")
	}
	return a, nil
}

// ServeHTTP implements the http.Handler interface.
func (a *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g := a.enter()
	defer g.sessions.Leave()

	class := g.classifier.Classify(r)
	if class == eligibility.Excluded {
		if g.isOfflineDocument(r) {
			static, _ := g.registry.Lookup(namespace.Static)
			res := g.executor.ServeOfflineDocument(r.Context(), a.originRequest(r))
			a.send(w, r, class, static, res)
			return
		}
		a.passThrough(w, r)
		return
	}

	name := namespaceFor(class)
	ns, _ := g.registry.Lookup(name)
	key, err := a.keyer.GetKey(r)
	if err != nil {
		a.passThrough(w, r)
		return
	}

	inv := strategy.Invocation{
		Request:        a.originRequest(r),
		Key:            key,
		Store:          g.stores[name],
		CachingEnabled: a.cachingEnabled.Load(),
	}
	res := g.executor.Execute(r.Context(), ns.Strategy, inv)
	a.send(w, r, class, ns, res)
}

// originRequest clones r with the absolute URL the cache keys it by.
func (a *OfflineCache) originRequest(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.URL = a.keyer.AbsoluteURL(r.URL)
	req.RequestURI = ""
	return req
}

// enter returns the active generation with the request registered in it.
func (a *OfflineCache) enter() *generation {
	for {
		g := a.current.Load()
		g.sessions.Enter()
		if a.current.Load() == g {
			return g
		}
		g.sessions.Leave()
	}
}

func namespaceFor(class eligibility.Class) string {
	switch class {
	case eligibility.HTML:
		return namespace.HTML
	case eligibility.API:
		return namespace.API
	}
	return namespace.Static
}

func (a *OfflineCache) send(w http.ResponseWriter, r *http.Request, class eligibility.Class, ns namespace.Namespace, res strategy.Result) {
	p := res.Payload
	if res.Err != nil {
		// only cache-first propagates transport failures
		p.StatusCode = http.StatusBadGateway
		p.Header = http.Header{"Content-Type": {"text/plain; charset=utf-8"}, "Cache-Control": {"no-store"}}
		p.Body = []byte(http.StatusText(http.StatusBadGateway) + "\n")
		res.Status.Apply(p.Header)
	}
	copyHeader(w.Header(), p.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(p.Body)))
	w.WriteHeader(p.StatusCode)
	if _, err := w.Write(p.Body); err != nil {
		a.log.Error().Err(err).Msg("Could not write response body to client")
	}
	a.logRequest(r, res.Status, func(e *zerolog.Event) {
		e.Str("class", class.String()).
			Str("namespace", ns.ID()).
			Str("source", string(res.Source)).
			Int("http-status", p.StatusCode).
			Dur("age", res.Age)
		if res.Err != nil {
			e.AnErr("fetch-error", res.Err)
		}
	})
}

// passThrough forwards a declined request without touching any store.
func (a *OfflineCache) passThrough(w http.ResponseWriter, r *http.Request) {
	a.log.Trace().Msgf("passing through %s %s", r.Method, r.URL.String())
	cs := cachestatus.CacheStatus{}
	if r.Method != http.MethodGet {
		cs.Forward(cachestatus.FwdMethod)
	} else {
		cs.Forward(cachestatus.FwdBypass)
	}
	cs.Apply(w.Header())
	a.reverseproxy.ServeHTTP(w, r)
	a.logRequest(r, cs, nil)
}

// proxyError hands transport errors of fetches to the strategies and
// answers pass-through requests with 502.
func (a *OfflineCache) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	if rec, ok := w.(*recorder.ResponseRecorder); ok {
		rec.Fail(err)
		return
	}
	a.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not reach origin")
	w.WriteHeader(http.StatusBadGateway)
}

// SetNotifier registers the receiver of events such as generation activations.
func (a *OfflineCache) SetNotifier(fn func(control.Notification)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notify = fn
}

func (a *OfflineCache) publish(n control.Notification) {
	a.mu.Lock()
	fn := a.notify
	a.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// CachingEnabled reports the current value of the caching switch.
func (a *OfflineCache) CachingEnabled() bool {
	return a.cachingEnabled.Load()
}

// Close waits for the background refreshes of every generation. Call it once
// no request is served anymore. It does not close the cache provider.
func (a *OfflineCache) Close() {
	a.mu.Lock()
	executors := append([]*strategy.Executor{a.current.Load().executor}, a.retired...)
	a.retired = nil
	a.mu.Unlock()
	for _, e := range executors {
		e.Wait()
	}
}

// createDirector sends relative requests and requests for the origin to the
// origin. Absolute requests for other hosts, e.g. remote APIs, keep their host.
func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		if req.URL.Host != "" && !strings.EqualFold(req.URL.Host, host) && !strings.EqualFold(req.URL.Host, hostHeader) {
			req.Host = req.URL.Host
			return
		}
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func (a *OfflineCache) logRequest(r *http.Request, cs cachestatus.CacheStatus, fields func(*zerolog.Event)) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	e := a.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("fwd", string(cs.Reason())).
		Bool("stored", cs.IsStored()).
		Str("detail", cs.DetailValue()).
		Int("hit", isHit)
	if fields != nil {
		fields(e)
	}
	e.Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
