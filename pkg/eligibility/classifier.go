package eligibility

import (
	"net/http"
	"strings"
)

// Class is the outcome of classifying a request.
type Class int

const (
	// Excluded requests are never read from or written to a cache.
	Excluded Class = iota
	HTML
	API
	Static
	// Other is served like Static.
	Other
)

func (c Class) String() string {
	switch c {
	case HTML:
		return "html"
	case API:
		return "api"
	case Static:
		return "static"
	case Other:
		return "other"
	}
	return "excluded"
}

// Rules configure the classifier. Empty lists disable the corresponding rule.
type Rules struct {
	// Paths never cached. A rule matches a path that equals it,
	// or, when the rule contains a "/", a path that contains it.
	Exclude []string `yaml:"exclude"`
	// Path of the offline fallback document. It is always excluded.
	OfflinePath string `yaml:"-"`
	// API path prefixes, e.g. "/api/".
	APIPrefixes []string `yaml:"apiPrefixes"`
	// API path suffixes, e.g. ".json".
	APISuffixes []string `yaml:"apiSuffixes"`
	// Remote hosts whose responses are API data.
	APIHosts []string `yaml:"apiHosts"`
	// Build output path prefixes, e.g. "/_next/static/".
	StaticPrefixes []string `yaml:"staticPrefixes"`
}

// DefaultRules returns the rules of the storefront the cache was first built for.
func DefaultRules() Rules {
	return Rules{
		Exclude: []string{
			"/api/admin",
			"/api/sensitive",
			"/_next/static/chunks/pages/_error",
			"/about",
			"/cart",
		},
		OfflinePath:    "/offline",
		APIPrefixes:    []string{"/api/"},
		APISuffixes:    []string{".json"},
		StaticPrefixes: []string{"/_next/static/", "/_next/image", "/static/"},
	}
}

// Classifier decides which requests are eligible for caching and which class they belong to.
// It is pure: no I/O, no state, safe for concurrent use.
type Classifier struct {
	rules Rules
}

func NewClassifier(rules Rules) Classifier {
	return Classifier{rules: rules}
}

func (c Classifier) Rules() Rules {
	return c.rules
}

// Classify applies the rules in order; the first matching rule wins.
func (c Classifier) Classify(r *http.Request) Class {
	if r == nil || r.URL == nil {
		return Excluded
	}
	if r.Method != "" && r.Method != http.MethodGet {
		return Excluded
	}
	// relative URLs are what a reverse proxy receives, they are http(s) by construction
	if r.URL.Scheme != "" && r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		return Excluded
	}
	if r.URL.IsAbs() && r.URL.Host == "" {
		return Excluded
	}
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if c.excluded(path) {
		return Excluded
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/html") {
		return HTML
	}
	if c.api(r.URL.Hostname(), path) {
		return API
	}
	if hasAnyPrefix(path, c.rules.StaticPrefixes) {
		return Static
	}
	return Other
}

// Excluded reports whether the path matches an exclusion rule.
func (c Classifier) Excluded(path string) bool {
	return c.excluded(path)
}

func (c Classifier) excluded(path string) bool {
	if c.rules.OfflinePath != "" && path == c.rules.OfflinePath {
		return true
	}
	for _, rule := range c.rules.Exclude {
		if rule == path {
			return true
		}
		if strings.Contains(rule, "/") && strings.Contains(path, rule) {
			return true
		}
	}
	return false
}

func (c Classifier) api(host, path string) bool {
	if hasAnyPrefix(path, c.rules.APIPrefixes) {
		return true
	}
	for _, suffix := range c.rules.APISuffixes {
		if suffix != "" && strings.HasSuffix(path, suffix) {
			return true
		}
	}
	for _, h := range c.rules.APIHosts {
		if h != "" && strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
