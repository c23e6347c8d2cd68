package offlinecache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/offline-cache/control"
	"github.com/always-cache/offline-cache/pkg/eligibility"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// OfflineCache is the target of the control channel.
var _ control.Target = (*OfflineCache)(nil)

func (a *OfflineCache) SetCachingEnabled(enabled bool) {
	a.cachingEnabled.Store(enabled)
	a.log.Info().Bool("enabled", enabled).Msg("Caching switched")
}

// Revalidate fetches the URL, bypassing caches upstream, and writes the
// response to the namespace of its class. Without an Accept value the class
// follows the path: API and static URLs keep their namespace, pages are
// revalidated as HTML.
func (a *OfflineCache) Revalidate(ctx context.Context, rawURL, accept string) error {
	g := a.current.Load()
	req, err := a.controlRequest(ctx, rawURL, accept)
	if err != nil {
		return err
	}
	if accept == "" {
		req.Header.Set("Accept", "*/*")
		if class := g.classifier.Classify(req); class != eligibility.API && class != eligibility.Static {
			req.Header.Set("Accept", "text/html")
		}
	}
	req.Header.Set("Cache-Control", "no-cache")

	class := g.classifier.Classify(req)
	if class == eligibility.Excluded {
		return control.ErrExcluded
	}
	if !a.cachingEnabled.Load() {
		return control.ErrCachingDisabled
	}
	p, err := a.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !p.OK() {
		return fmt.Errorf("origin answered %d", p.StatusCode)
	}
	_, err = g.stores[namespaceFor(class)].Write(ctx, a.keyer.URLKey(req.URL), p)
	return err
}

func (a *OfflineCache) ClearNamespace(ctx context.Context, name string) error {
	store, ok := a.current.Load().stores[name]
	if !ok {
		return fmt.Errorf("%w: %q", control.ErrUnknownNamespace, name)
	}
	return store.Clear(ctx)
}

// InjectEntry stores a successful response produced by the controller. A fresh
// entry for the same URL wins: the injection is then skipped.
func (a *OfflineCache) InjectEntry(ctx context.Context, rawURL string, p serializer.Payload) (bool, error) {
	if !p.OK() {
		return false, fmt.Errorf("injected status %d is not a success", p.StatusCode)
	}
	accept := "*/*"
	if strings.Contains(p.Header.Get("Content-Type"), "text/html") {
		accept = "text/html"
	}
	req, err := a.controlRequest(ctx, rawURL, accept)
	if err != nil {
		return false, err
	}
	g := a.current.Load()
	class := g.classifier.Classify(req)
	if class == eligibility.Excluded {
		return false, control.ErrExcluded
	}
	if !a.cachingEnabled.Load() {
		return false, control.ErrCachingDisabled
	}
	store := g.stores[namespaceFor(class)]
	key := a.keyer.URLKey(req.URL)
	if _, fresh, err := store.Lookup(ctx, key); err == nil && fresh {
		return false, nil
	}
	if _, err := store.Write(ctx, key, p); err != nil {
		return false, err
	}
	return true, nil
}

func (a *OfflineCache) controlRequest(ctx context.Context, rawURL, accept string) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.keyer.AbsoluteURL(u).String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	return req, nil
}
