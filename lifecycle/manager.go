// Package lifecycle installs and activates a set of namespaces: it pre-warms
// the static namespace from a manifest and deletes namespaces that are no
// longer registered.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/metrics"
	"github.com/always-cache/offline-cache/namespace"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/freshness"
	"github.com/always-cache/offline-cache/pkg/strategy"
)

// Concurrent manifest fetches during install.
const installConcurrency = 4

type Options struct {
	Provider cache.CacheProvider
	Registry namespace.Registry
	Keyer    cachekey.CacheKeyer
	Fetcher  strategy.Fetcher
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Manager runs install and activation for one registry.
type Manager struct {
	provider cache.CacheProvider
	registry namespace.Registry
	keyer    cachekey.CacheKeyer
	fetcher  strategy.Fetcher
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewManager(opts Options) *Manager {
	return &Manager{
		provider: opts.Provider,
		registry: opts.Registry,
		keyer:    opts.Keyer,
		fetcher:  opts.Fetcher,
		log:      opts.Logger.With().Str("component", "lifecycle").Logger(),
		metrics:  opts.Metrics,
	}
}

// InstallReport lists the manifest URLs that were stored and those that failed.
type InstallReport struct {
	Stored []string
	Failed map[string]error
}

// Install opens every registered namespace and stores the manifest URLs in
// the given store. Manifest failures are logged and reported but never abort
// the install. The returned error is set only if a namespace could not be opened.
func (m *Manager) Install(ctx context.Context, store *freshness.Store, manifest []string) (InstallReport, error) {
	var openErr error
	for _, ns := range m.registry.All() {
		if err := m.provider.Open(ctx, ns.ID()); err != nil {
			m.log.Error().Err(err).Str("namespace", ns.ID()).Msg("Could not open namespace")
			m.metrics.StoreError("open")
			openErr = errors.Join(openErr, fmt.Errorf("open %s: %w", ns.ID(), err))
		}
	}

	report := InstallReport{Failed: make(map[string]error)}
	var mu sync.Mutex
	g := errgroup.Group{}
	g.SetLimit(installConcurrency)
	for _, raw := range manifest {
		raw := raw
		g.Go(func() error {
			err := m.prewarm(ctx, store, raw)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.log.Warn().Err(err).Str("url", raw).Msg("Could not pre-warm manifest entry")
				m.metrics.InstallFailure()
				report.Failed[raw] = err
				return nil
			}
			report.Stored = append(report.Stored, raw)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Stored)

	m.log.Info().
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Str("namespace", store.Namespace().ID()).
		Msg("Installed")
	return report, openErr
}

func (m *Manager) prewarm(ctx context.Context, store *freshness.Store, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	abs := m.keyer.AbsoluteURL(u)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs.String(), nil)
	if err != nil {
		return err
	}
	p, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !p.OK() {
		return fmt.Errorf("unexpected status %d", p.StatusCode)
	}
	_, err = store.Write(ctx, m.keyer.URLKey(abs), p)
	return err
}

// Activate deletes every physical namespace whose identity is not in the
// registry and returns the deleted identities. Namespaces that could not be
// dropped are reported in the error and left in place.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	present, err := m.provider.Namespaces(ctx)
	if err != nil {
		m.metrics.StoreError("namespaces")
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	var (
		deleted []string
		errs    error
	)
	for _, id := range present {
		if m.registry.Current(id) {
			continue
		}
		if err := m.provider.Drop(ctx, id); err != nil {
			m.log.Error().Err(err).Str("namespace", id).Msg("Could not delete namespace")
			m.metrics.StoreError("drop")
			errs = errors.Join(errs, fmt.Errorf("drop %s: %w", id, err))
			continue
		}
		m.log.Info().Str("namespace", id).Msg("Deleted namespace")
		deleted = append(deleted, id)
	}
	m.metrics.NamespacesDeleted(len(deleted))
	return deleted, errs
}
