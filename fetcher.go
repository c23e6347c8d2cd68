package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"

	recorder "github.com/always-cache/offline-cache/pkg/response-recorder"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

var errOriginAborted = errors.New("origin aborted the response")

// originFetcher runs requests through the reverse proxy into a recorder.
// Any response is a success; transport errors are returned.
type originFetcher struct {
	proxy *httputil.ReverseProxy
}

func (f *originFetcher) Fetch(ctx context.Context, req *http.Request) (p serializer.Payload, err error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	// let the transport negotiate and decode compression, so stored bodies are plain
	out.Header.Del("Accept-Encoding")

	rec := recorder.NewResponseRecorder()
	defer func() {
		// the proxy aborts with a panic when the body breaks off mid-copy
		if v := recover(); v != nil {
			if v != http.ErrAbortHandler {
				panic(v)
			}
			p, err = serializer.Payload{}, errOriginAborted
		}
	}()
	f.proxy.ServeHTTP(rec, out)
	if err := rec.Err(); err != nil {
		return serializer.Payload{}, err
	}
	return rec.Payload(), nil
}
