package namespace

import (
	"fmt"
	"sort"
	"time"
)

// Logical namespace names used by the interception layer.
const (
	HTML   = "html"
	API    = "api"
	Static = "static"
)

// Strategy names the caching algorithm a namespace is served with.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	TimeGatedHTML        Strategy = "html"
	Bypass               Strategy = "bypass"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, TimeGatedHTML, Bypass:
		return true
	}
	return false
}

// Namespace is a named, versioned bucket of cache entries.
type Namespace struct {
	// Logical role, e.g. "html".
	Name string
	// Opaque version, bumped on incompatible changes.
	Version string
	// Maximum age of a fresh entry. Zero or negative means unbounded.
	TTL time.Duration
	// Strategy used for requests routed to this namespace.
	Strategy Strategy
}

// ID is the physical store identity of the namespace.
func (n Namespace) ID() string {
	return n.Name + "-" + n.Version
}

// Unbounded reports whether entries in the namespace never expire.
func (n Namespace) Unbounded() bool {
	return n.TTL <= 0
}

func (n Namespace) String() string {
	return n.ID()
}

// Registry is the set of current namespaces.
// It is immutable once created; a new deployment builds a new registry.
type Registry struct {
	byName map[string]Namespace
	byID   map[string]struct{}
}

// NewRegistry builds a registry, rejecting duplicate names and identities.
func NewRegistry(namespaces ...Namespace) (Registry, error) {
	r := Registry{
		byName: make(map[string]Namespace, len(namespaces)),
		byID:   make(map[string]struct{}, len(namespaces)),
	}
	for _, ns := range namespaces {
		if ns.Name == "" || ns.Version == "" {
			return Registry{}, fmt.Errorf("namespace %q: name and version are required", ns.ID())
		}
		if ns.Strategy != "" && !ns.Strategy.Valid() {
			return Registry{}, fmt.Errorf("namespace %q: unknown strategy %q", ns.ID(), ns.Strategy)
		}
		if _, ok := r.byName[ns.Name]; ok {
			return Registry{}, fmt.Errorf("namespace %q registered twice", ns.Name)
		}
		if _, ok := r.byID[ns.ID()]; ok {
			return Registry{}, fmt.Errorf("namespace identity %q registered twice", ns.ID())
		}
		r.byName[ns.Name] = ns
		r.byID[ns.ID()] = struct{}{}
	}
	return r, nil
}

// Lookup returns the current namespace for a logical name.
func (r Registry) Lookup(name string) (Namespace, bool) {
	ns, ok := r.byName[name]
	return ns, ok
}

// Current reports whether the physical identity belongs to the registry.
func (r Registry) Current(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// All returns the namespaces sorted by name.
func (r Registry) All() []Namespace {
	out := make([]Namespace, 0, len(r.byName))
	for _, ns := range r.byName {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IDs returns the physical identities of all current namespaces, sorted.
func (r Registry) IDs() []string {
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Defaults returns the namespaces used when no configuration names any.
func Defaults() []Namespace {
	return []Namespace{
		{Name: HTML, Version: "v5", TTL: 10 * time.Minute, Strategy: TimeGatedHTML},
		{Name: API, Version: "v5", TTL: 30 * time.Minute, Strategy: NetworkFirst},
		{Name: Static, Version: "v5", Strategy: CacheFirst},
	}
}
