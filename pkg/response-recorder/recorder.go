package recorder

import (
	"bytes"
	"net/http"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// ResponseRecorder is a http.ResponseWriter that keeps the complete response in memory.
// It also carries the transport error of a reverse proxy round trip, if any.
type ResponseRecorder struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	err          error
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseRecorder) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// Fail records a transport error. A failed recording has no payload.
func (t *ResponseRecorder) Fail(err error) {
	t.err = err
}

// Err returns the recorded transport error.
func (t *ResponseRecorder) Err() error {
	return t.err
}

// Payload returns the recorded response.
func (t *ResponseRecorder) Payload() serializer.Payload {
	status := t.status
	if status == 0 {
		status = http.StatusOK
	}
	header := t.header.Clone()
	header.Del("Content-Length")
	return serializer.Payload{
		StatusCode: status,
		Header:     header,
		Body:       append([]byte(nil), t.b.Bytes()...),
	}
}

// NewResponseRecorder returns a new, empty ResponseRecorder.
func NewResponseRecorder() *ResponseRecorder {
	return &ResponseRecorder{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}
