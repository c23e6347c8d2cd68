package cachestatus

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheStatusString(t *testing.T) {
	cs := CacheStatus{}
	cs.Hit()
	cs.TimeToLive(90 * time.Second)
	assert.Equal(t, "Offline-Cache; hit; ttl=90", cs.String())

	cs = CacheStatus{}
	cs.Forward(FwdUriMiss)
	cs.ForwardStatus(200)
	cs.Stored()
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; fwd-status=200; stored", cs.String())

	cs = CacheStatus{}
	cs.Hit()
	cs.TimeToLive(-1500 * time.Millisecond)
	cs.Detail(DetailStale)
	assert.Equal(t, "Offline-Cache; hit; ttl=-2; detail=stale", cs.String())
}

func TestApplyAndAge(t *testing.T) {
	h := http.Header{}
	cs := CacheStatus{}
	cs.Forward(FwdBypass)
	cs.Apply(h)
	SetAge(h, 61*time.Second+500*time.Millisecond)
	assert.Equal(t, "Offline-Cache; fwd=bypass", h.Get(HeaderName))
	assert.Equal(t, "61", h.Get("Age"))

	SetAge(h, -time.Second)
	assert.Equal(t, "0", h.Get("Age"))
}
