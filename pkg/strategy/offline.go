package strategy

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

const offlineMessage = "You are offline and no cached data is available"

// inlineOfflinePage is served when even the offline document is unavailable.
const inlineOfflinePage = "<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>Offline</title></head>" +
	"<body><h1>Offline</h1><p>Please check your internet connection.</p></body></html>"

// OfflineError is the body of the synthesized offline response.
type OfflineError struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint,omitempty"`
}

// OfflinePayload builds the structured 503 response returned when every fallback is exhausted.
func OfflinePayload(endpoint string, now time.Time) serializer.Payload {
	body, _ := json.Marshal(OfflineError{
		Error:     "offline",
		Message:   offlineMessage,
		Timestamp: now.UTC(),
		Endpoint:  endpoint,
	})
	return serializer.Payload{
		StatusCode: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"application/json"},
			"Cache-Control": {"no-store"},
		},
		Body: body,
	}
}

func (e *Executor) offlinePayload(inv Invocation) Result {
	endpoint := ""
	if inv.Request != nil && inv.Request.URL != nil {
		endpoint = inv.Request.URL.String()
	}
	p := OfflinePayload(endpoint, e.now())
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	cs.Detail(cachestatus.DetailOffline)
	cs.Apply(p.Header)
	return Result{Payload: p, Source: SourceOffline, Status: cs}
}

// offlineDocument serves the pre-warmed offline page, a redirect to it,
// or an inline page when it was never stored.
func (e *Executor) offlineDocument(ctx context.Context, inv Invocation) Result {
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	cs.Detail(cachestatus.DetailFallback)

	if e.offline.Redirect && e.offline.Location != "" {
		p := serializer.Payload{
			StatusCode: http.StatusFound,
			Header: http.Header{
				"Location":      {e.offline.Location},
				"Cache-Control": {"no-store"},
			},
		}
		cs.Apply(p.Header)
		return Result{Payload: p, Source: SourceFallback, Status: cs}
	}
	return e.storedOfflineDocument(ctx, cs)
}

// ServeOfflineDocument answers a request for the offline document itself: from the
// network while it is reachable, otherwise from the store. It never writes.
func (e *Executor) ServeOfflineDocument(ctx context.Context, req *http.Request) Result {
	inv := Invocation{Request: req, Key: e.offline.Key, Store: e.offline.Store, CachingEnabled: true}
	p, err := e.fetch(ctx, inv)
	if err == nil {
		return e.fromNetwork(p, cachestatus.FwdBypass, false, inv)
	}
	log := e.logger(inv)
	log.Debug().Err(err).Msg("Serving stored offline document")
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdUriMiss)
	cs.Detail(cachestatus.DetailFallback)
	return e.storedOfflineDocument(ctx, cs)
}

func (e *Executor) storedOfflineDocument(ctx context.Context, cs cachestatus.CacheStatus) Result {
	if e.offline.Store != nil && e.offline.Key != "" {
		doc := Invocation{Key: e.offline.Key, Store: e.offline.Store}
		if entry, ok := e.lookup(ctx, doc, true); ok {
			p := entry.Payload.Clone()
			if p.Header == nil {
				p.Header = make(http.Header)
			}
			p.Header.Set("Cache-Control", "no-store")
			cachestatus.SetAge(p.Header, e.offline.Store.Age(entry))
			cs.Apply(p.Header)
			return Result{Payload: p, Source: SourceFallback, Status: cs, Age: e.offline.Store.Age(entry)}
		}
	}

	p := serializer.Payload{
		StatusCode: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"text/html; charset=utf-8"},
			"Cache-Control": {"no-store"},
		},
		Body: []byte(inlineOfflinePage),
	}
	cs.Apply(p.Header)
	return Result{Payload: p, Source: SourceFallback, Status: cs}
}
