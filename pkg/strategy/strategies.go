package strategy

import (
	"context"
	"net/http"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/freshness"
)

// CacheFirst serves any stored entry regardless of its age, without touching
// the network. On a miss it fetches, stores a successful response and returns it.
// A transport failure is propagated.
func (e *Executor) CacheFirst(ctx context.Context, inv Invocation) Result {
	log := e.logger(inv)
	if inv.CachingEnabled {
		if entry, ok := e.lookup(ctx, inv, true); ok {
			log.Trace().Msg("Cache hit and serving")
			return e.fromCache(entry, inv, false)
		}
	}
	p, err := e.fetch(ctx, inv)
	if err != nil {
		if !inv.CachingEnabled {
			// nothing was read before the network, the store may still help
			if entry, ok := e.lookup(ctx, inv, true); ok {
				log.Debug().Err(err).Msg("Fetch failed, serving stored entry")
				return e.fromCache(entry, inv, true)
			}
		}
		log.Warn().Err(err).Msg("Could not fetch")
		return failed(err)
	}
	stored := e.store(ctx, inv, p)
	return e.fromNetwork(p, cachestatus.FwdUriMiss, stored, inv)
}

// NetworkFirst prefers the network and stores successful responses. When the
// network fails or answers with a non-success status, it falls back to a stored
// entry of any age. Without one, a transport failure becomes the offline payload
// and a non-success response is returned as it is.
func (e *Executor) NetworkFirst(ctx context.Context, inv Invocation) Result {
	return e.networkFirst(ctx, inv, cachestatus.FwdUriMiss)
}

func (e *Executor) networkFirst(ctx context.Context, inv Invocation, reason cachestatus.FwdReason) Result {
	log := e.logger(inv)
	p, err := e.fetch(ctx, inv)
	if err == nil && p.OK() {
		stored := e.store(ctx, inv, p)
		return e.fromNetwork(p, reason, stored, inv)
	}
	if entry, ok := e.lookup(ctx, inv, true); ok {
		if err != nil {
			log.Debug().Err(err).Msg("Fetch failed, serving stored entry")
		} else {
			log.Debug().Int("http-status", p.StatusCode).Msg("Upstream error, serving stored entry")
		}
		return e.fromCache(entry, inv, true)
	}
	if err != nil {
		log.Debug().Err(err).Msg("Fetch failed and nothing stored, serving offline payload")
		return e.offlinePayload(inv)
	}
	return e.fromNetwork(p, reason, false, inv)
}

// StaleWhileRevalidate serves any stored entry immediately. If the entry is
// older than the TTL, a background refresh overwrites it; the response never
// waits for it and is never affected by its outcome. On a miss it behaves
// like NetworkFirst.
func (e *Executor) StaleWhileRevalidate(ctx context.Context, inv Invocation) Result {
	if !inv.CachingEnabled {
		return e.networkFirst(ctx, inv, cachestatus.FwdUriMiss)
	}
	entry, ok := e.lookup(ctx, inv, true)
	if !ok {
		return e.networkFirst(ctx, inv, cachestatus.FwdUriMiss)
	}
	res := e.fromCache(entry, inv, false)
	if inv.Store.Expired(entry) {
		e.refreshAsync(ctx, inv)
	}
	return res
}

// TimeGatedHTML serves a fresh stored page, otherwise the live page (storing it).
// When the network fails it serves the stored page of any age, or else the
// offline fallback document.
func (e *Executor) TimeGatedHTML(ctx context.Context, inv Invocation) Result {
	log := e.logger(inv)
	reason := cachestatus.FwdUriMiss
	var stale *freshness.Entry
	if inv.CachingEnabled {
		if entry, ok := e.lookup(ctx, inv, true); ok {
			if !inv.Store.Expired(entry) {
				log.Trace().Msg("Serving fresh page from cache")
				return e.fromCache(entry, inv, false)
			}
			stale = &entry
			reason = cachestatus.FwdStale
		}
	}
	p, err := e.fetch(ctx, inv)
	if err == nil {
		stored := e.store(ctx, inv, p)
		return e.fromNetwork(p, reason, stored, inv)
	}
	if stale == nil {
		if entry, ok := e.lookup(ctx, inv, true); ok {
			stale = &entry
		}
	}
	if stale != nil {
		log.Debug().Err(err).Msg("Fetch failed, serving stored page")
		return e.fromCache(*stale, inv, true)
	}
	log.Debug().Err(err).Msg("Fetch failed and no stored page, serving offline document")
	return e.offlineDocument(ctx, inv)
}

// Bypass goes to the network only.
func (e *Executor) Bypass(ctx context.Context, inv Invocation) Result {
	p, err := e.fetch(ctx, inv)
	if err != nil {
		return failed(err)
	}
	if p.Header == nil {
		p.Header = make(http.Header)
	}
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdBypass)
	cs.ForwardStatus(p.StatusCode)
	cs.Apply(p.Header)
	return Result{Payload: p, Source: SourceBypass, Status: cs}
}
