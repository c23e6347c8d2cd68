package recorder

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorderKeepsResponse(t *testing.T) {
	rec := NewResponseRecorder()
	rec.Header().Set("Content-Type", "text/plain")
	rec.Header().Set("Content-Length", "11")
	rec.WriteHeader(http.StatusCreated)
	rec.WriteHeader(http.StatusOK)
	rec.Write([]byte("Hello "))
	rec.Write([]byte("world"))

	p := rec.Payload()
	assert.Equal(t, http.StatusCreated, p.StatusCode)
	assert.Equal(t, "text/plain", p.Header.Get("Content-Type"))
	assert.Empty(t, p.Header.Get("Content-Length"))
	assert.Equal(t, "Hello world", string(p.Body))
	assert.NoError(t, rec.Err())
}

func TestRecorderImplicitStatusAndFailure(t *testing.T) {
	rec := NewResponseRecorder()
	rec.Write([]byte("x"))
	assert.Equal(t, http.StatusOK, rec.Payload().StatusCode)

	boom := errors.New("dial tcp: connection refused")
	rec.Fail(boom)
	assert.ErrorIs(t, rec.Err(), boom)
}
