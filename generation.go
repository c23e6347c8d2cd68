package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/always-cache/offline-cache/control"
	"github.com/always-cache/offline-cache/lifecycle"
	"github.com/always-cache/offline-cache/namespace"
	"github.com/always-cache/offline-cache/pkg/eligibility"
	"github.com/always-cache/offline-cache/pkg/freshness"
	"github.com/always-cache/offline-cache/pkg/strategy"
)

// generation is one deployed version of the settings: its namespaces,
// classifier and executor. Requests are served by the active generation;
// a new one takes over once the active one has no requests in flight.
type generation struct {
	registry   namespace.Registry
	classifier eligibility.Classifier
	executor   *strategy.Executor
	// by logical namespace name
	stores    map[string]*freshness.Store
	lifecycle *lifecycle.Manager
	sessions  *lifecycle.Sessions
	manifest  []string
}

func (a *OfflineCache) newGeneration(s Settings) (*generation, error) {
	for _, name := range []string{namespace.HTML, namespace.API, namespace.Static} {
		if _, ok := s.Registry.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: %s is required", control.ErrUnknownNamespace, name)
		}
	}
	g := &generation{
		registry:   s.Registry,
		classifier: eligibility.NewClassifier(s.Rules),
		stores:     make(map[string]*freshness.Store),
		sessions:   lifecycle.NewSessions(),
		manifest:   s.Manifest,
	}
	for _, ns := range s.Registry.All() {
		g.stores[ns.Name] = freshness.New(a.cache, ns, a.now)
	}

	offline := strategy.OfflineFallback{Store: g.stores[namespace.Static], Redirect: s.OfflineRedirect}
	if s.Rules.OfflinePath != "" {
		offline.Location = s.Rules.OfflinePath
		offline.Key = a.keyer.URLKey(&url.URL{Path: s.Rules.OfflinePath})
	}
	g.executor = strategy.NewExecutor(strategy.Options{
		Fetcher:       a.fetcher,
		Logger:        a.log,
		Metrics:       a.metrics,
		Offline:       offline,
		MaxBackground: s.MaxBackground,
		Now:           a.now,
	})
	g.lifecycle = lifecycle.NewManager(lifecycle.Options{
		Provider: a.cache,
		Registry: s.Registry,
		Keyer:    a.keyer,
		Fetcher:  a.fetcher,
		Logger:   a.log,
		Metrics:  a.metrics,
	})
	return g, nil
}

// isOfflineDocument reports whether r asks for the offline document. The document
// is excluded from caching but still served from the store when the origin is down.
func (g *generation) isOfflineDocument(r *http.Request) bool {
	path := g.classifier.Rules().OfflinePath
	return path != "" && r.Method == http.MethodGet && r.URL != nil && r.URL.Path == path
}

func (a *OfflineCache) install(ctx context.Context, g *generation) {
	if _, err := g.lifecycle.Install(ctx, g.stores[namespace.Static], g.manifest); err != nil {
		a.log.Error().Err(err).Msg("Install incomplete")
	}
}

// activate deletes namespaces the generation does not know and makes it the active one.
func (a *OfflineCache) activate(ctx context.Context, g *generation) error {
	_, err := g.lifecycle.Activate(ctx)
	previous := a.current.Swap(g)
	a.metrics.GenerationActivated()
	a.log.Info().Strs("namespaces", g.registry.IDs()).Msg("Generation activated")
	if previous != nil && previous != g {
		a.mu.Lock()
		a.retired = append(a.retired, previous.executor)
		a.mu.Unlock()
	}
	return err
}

// Upgrade installs a generation built from the settings and activates it once
// the active generation has no request in flight, or when ForceActivate is called.
// Requests keep being served by the active generation until then.
// If ctx is done first, the new generation is discarded.
func (a *OfflineCache) Upgrade(ctx context.Context, s Settings) error {
	a.upgradeMu.Lock()
	defer a.upgradeMu.Unlock()

	g, err := a.newGeneration(s)
	if err != nil {
		return err
	}
	a.install(ctx, g)

	force := make(chan struct{}, 1)
	a.mu.Lock()
	a.force = force
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.force = nil
		a.mu.Unlock()
	}()

	previous := a.current.Load()
	a.log.Info().Int("in-flight", previous.sessions.Active()).Msg("Waiting for active generation to become idle")
	select {
	case <-previous.sessions.Idle():
	case <-force:
		a.log.Info().Int("in-flight", previous.sessions.Active()).Msg("Taking over in-flight sessions")
	case <-ctx.Done():
		return ctx.Err()
	}

	err = a.activate(ctx, g)
	n := control.Notification{Type: control.Activated, At: a.now()}
	if err != nil {
		n.Type = control.ActivationFailed
		n.Error = err.Error()
	}
	a.publish(n)
	return err
}

// ForceActivate makes a waiting generation take over without waiting for
// in-flight requests. Without a waiting generation it activates the active
// one again, deleting namespaces that are not registered.
func (a *OfflineCache) ForceActivate(ctx context.Context) error {
	a.mu.Lock()
	force := a.force
	a.mu.Unlock()
	if force != nil {
		select {
		case force <- struct{}{}:
		default:
		}
		return nil
	}
	_, err := a.current.Load().lifecycle.Activate(ctx)
	return err
}
