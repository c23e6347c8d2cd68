package cachekey

import (
	"errors"
	"net/http"
	"net/url"
)

var ErrorMethodNotSupported = errors.New("method not supported")

const methodSeparator = " "

// CacheKeyer turns requests into method-normalized request identities.
// Relative request URLs (as received by a reverse proxy) are resolved
// against the base URL, so the same resource always gets the same key.
type CacheKeyer struct {
	Base *url.URL
}

func NewCacheKeyer(base *url.URL) CacheKeyer {
	return CacheKeyer{Base: base}
}

// AbsoluteURL returns the absolute URL of the request, without fragment.
func (c CacheKeyer) AbsoluteURL(u *url.URL) *url.URL {
	abs := *u
	if !abs.IsAbs() && c.Base != nil {
		abs.Scheme = c.Base.Scheme
		abs.Host = c.Base.Host
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return &abs
}

// GetKey returns the cache key for a request.
// Only GET requests have keys.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != "" && r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return c.URLKey(r.URL), nil
}

// URLKey returns the key of a GET request for the given URL.
func (c CacheKeyer) URLKey(u *url.URL) string {
	return http.MethodGet + methodSeparator + c.AbsoluteURL(u).String()
}
