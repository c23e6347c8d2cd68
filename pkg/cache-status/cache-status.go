package cachestatus

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// HeaderName is the response header carrying the cache status.
const HeaderName = "Cache-Status"

// CacheName identifies this cache in the Cache-Status header.
const CacheName = "Offline-Cache"

// InjectedHeader marks stored responses that were injected rather than fetched.
const InjectedHeader = "X-Cache-Injected"

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdStale FwdReason = "stale"
)

// Detail values used by the strategies.
const (
	DetailStale    = "stale"
	DetailOffline  = "offline"
	DetailFallback = "offline-fallback"
	DetailDisabled = "disabled"
	DetailInjected = "injected"
)

type CacheStatus struct {
	hit       bool
	fwdReason FwdReason
	// fwd-status: status of the forwarded response
	fwdStatus int
	// stored: the forwarded response was written to the cache
	stored bool
	ttl    *int
	detail string
}

func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

func (cs *CacheStatus) ForwardStatus(status int) {
	cs.fwdStatus = status
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

// TimeToLive sets the remaining freshness lifetime. It is negative for stale entries.
func (cs *CacheStatus) TimeToLive(ttl time.Duration) {
	secs := int(math.Floor(ttl.Seconds()))
	cs.ttl = &secs
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) IsHit() bool {
	return cs.hit
}

func (cs CacheStatus) IsStored() bool {
	return cs.stored
}

func (cs CacheStatus) Reason() FwdReason {
	return cs.fwdReason
}

func (cs CacheStatus) DetailValue() string {
	return cs.detail
}

func (cs CacheStatus) String() string {
	status := CacheName
	if cs.hit {
		status += "; hit"
	} else if cs.fwdReason != "" {
		status = fmt.Sprintf("%s; fwd=%s", status, cs.fwdReason)
	}
	if cs.fwdStatus != 0 {
		status = fmt.Sprintf("%s; fwd-status=%d", status, cs.fwdStatus)
	}
	if cs.ttl != nil {
		status = fmt.Sprintf("%s; ttl=%d", status, *cs.ttl)
	}
	if cs.stored {
		status += "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// Apply sets the Cache-Status header.
func (cs CacheStatus) Apply(h http.Header) {
	h.Set(HeaderName, cs.String())
}

// SetAge sets the Age header to the age in whole seconds.
func SetAge(h http.Header, age time.Duration) {
	if age < 0 {
		age = 0
	}
	h.Set("Age", strconv.FormatInt(int64(age/time.Second), 10))
}
