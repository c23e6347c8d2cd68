package cachekey

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOfRelativeRequest(t *testing.T) {
	base, _ := url.Parse("https://shop.example")
	keygen := NewCacheKeyer(base)
	r, _ := http.NewRequest("GET", "/page?x=1", nil)
	key, err := keygen.GetKey(r)
	require.NoError(t, err)
	assert.Equal(t, "GET https://shop.example/page?x=1", key)
	assert.Equal(t, key, keygen.URLKey(r.URL))
	assert.Equal(t, "https://shop.example/page?x=1", keygen.AbsoluteURL(r.URL).String())
}

func TestKeyIgnoresFragmentAndKeepsAbsoluteHosts(t *testing.T) {
	base, _ := url.Parse("https://shop.example")
	keygen := NewCacheKeyer(base)
	u, _ := url.Parse("https://api.remote.example/books.json#top")
	assert.Equal(t, "GET https://api.remote.example/books.json", keygen.URLKey(u))
}

func TestKeyRejectsUnsafeMethods(t *testing.T) {
	keygen := NewCacheKeyer(nil)
	r, _ := http.NewRequest("POST", "http://a/", nil)
	_, err := keygen.GetKey(r)
	assert.ErrorIs(t, err, ErrorMethodNotSupported)
}
