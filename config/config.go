// Package config loads the YAML configuration of the offline cache.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/always-cache/offline-cache/namespace"
	"github.com/always-cache/offline-cache/pkg/eligibility"
)

// Store providers.
const (
	ProviderSQLite  = "sqlite"
	ProviderLevelDB = "leveldb"
	ProviderRedis   = "redis"
	ProviderMemory  = "memory"
)

// Unbounded is the TTL value of namespaces whose entries never expire.
const Unbounded = "unbounded"

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// URL of the origin server.
		Origin string `yaml:"origin"`
		// Hostname used for requests and TLS negotiation, if the origin URL is an address.
		Host string `yaml:"host"`
	} `yaml:"server"`

	Store struct {
		Provider string `yaml:"provider"`
		// SQLite file or LevelDB directory.
		Path  string `yaml:"path"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Namespaces []Namespace `yaml:"namespaces"`

	Classifier *eligibility.Rules `yaml:"classifier"`

	Offline struct {
		Path     string `yaml:"path"`
		Redirect bool   `yaml:"redirect"`
	} `yaml:"offline"`

	// URLs stored in the static namespace on install.
	Manifest []string `yaml:"manifest"`

	Background struct {
		MaxRefreshes int `yaml:"maxRefreshes"`
	} `yaml:"background"`

	Control struct {
		// Shared secret required by the HTTP and WebSocket endpoints. Empty disables them.
		Secret string `yaml:"secret"`
		NATS   struct {
			URL     string `yaml:"url"`
			Subject string `yaml:"subject"`
			Events  string `yaml:"events"`
		} `yaml:"nats"`
	} `yaml:"control"`

	// compiled
	registry namespace.Registry
}

type Namespace struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	TTL      string `yaml:"ttl"`
	Strategy string `yaml:"strategy"`
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Parse unmarshals the YAML document, applies defaults and compiles the namespaces.
// The origin is not required here, since flags may still provide it; see Validate.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Store.Provider == "" {
		cfg.Store.Provider = ProviderSQLite
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "cache.db"
	}
	if cfg.Store.Redis.Prefix == "" {
		cfg.Store.Redis.Prefix = "offline-cache:"
	}
	if cfg.Offline.Path == "" {
		cfg.Offline.Path = "/offline"
	}
	if cfg.Classifier == nil {
		rules := eligibility.DefaultRules()
		cfg.Classifier = &rules
	}
	cfg.Classifier.OfflinePath = cfg.Offline.Path
	if cfg.Manifest == nil {
		cfg.Manifest = DefaultManifest(cfg.Offline.Path)
	}
	if cfg.Background.MaxRefreshes == 0 {
		cfg.Background.MaxRefreshes = 32
	}
	if cfg.Control.NATS.Subject == "" {
		cfg.Control.NATS.Subject = "offline-cache.control"
	}
	if cfg.Control.NATS.Events == "" {
		cfg.Control.NATS.Events = "offline-cache.events"
	}

	if len(cfg.Namespaces) == 0 {
		for _, ns := range namespace.Defaults() {
			ttl := Unbounded
			if !ns.Unbounded() {
				ttl = ns.TTL.String()
			}
			cfg.Namespaces = append(cfg.Namespaces, Namespace{
				Name: ns.Name, Version: ns.Version, TTL: ttl, Strategy: string(ns.Strategy),
			})
		}
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultManifest is the offline document plus the shell resources of the storefront.
func DefaultManifest(offlinePath string) []string {
	return []string{
		offlinePath,
		"/_next/static/css/offline.css",
		"/_next/static/images/offline.svg",
		"/",
		"/manifest.json",
		"/favicon.ico",
		"/robots.txt",
	}
}

func (cfg *Config) compile() error {
	namespaces := make([]namespace.Namespace, 0, len(cfg.Namespaces))
	for i, n := range cfg.Namespaces {
		ttl, err := parseTTL(n.TTL)
		if err != nil {
			return fmt.Errorf("namespaces[%d].ttl: %w", i, err)
		}
		strategy := namespace.Strategy(n.Strategy)
		if strategy == "" {
			strategy = defaultStrategy(n.Name)
		}
		namespaces = append(namespaces, namespace.Namespace{
			Name:     n.Name,
			Version:  n.Version,
			TTL:      ttl,
			Strategy: strategy,
		})
	}
	registry, err := namespace.NewRegistry(namespaces...)
	if err != nil {
		return err
	}
	for _, name := range []string{namespace.HTML, namespace.API, namespace.Static} {
		if _, ok := registry.Lookup(name); !ok {
			return fmt.Errorf("namespace %q is required", name)
		}
	}
	cfg.registry = registry
	return nil
}

func parseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == Unbounded {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative ttl %q", s)
	}
	return d, nil
}

func defaultStrategy(name string) namespace.Strategy {
	switch name {
	case namespace.HTML:
		return namespace.TimeGatedHTML
	case namespace.API:
		return namespace.NetworkFirst
	}
	return namespace.CacheFirst
}

// Validate checks the settings that flags may have overridden after Parse.
func (cfg Config) Validate() error {
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	switch cfg.Store.Provider {
	case ProviderSQLite, ProviderLevelDB, ProviderMemory:
	case ProviderRedis:
		if cfg.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required")
		}
	default:
		return fmt.Errorf("store.provider: unknown provider %q", cfg.Store.Provider)
	}
	return nil
}

// Registry returns the compiled namespace registry.
func (cfg Config) Registry() namespace.Registry {
	return cfg.registry
}

// Rules returns the classifier rules, including the offline path.
func (cfg Config) Rules() eligibility.Rules {
	return *cfg.Classifier
}
