package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"
	"github.com/always-cache/offline-cache/control"
	"github.com/always-cache/offline-cache/metrics"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	providerFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML configuration file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file or directory (use 'memory' for an in-memory store)")
	flag.StringVar(&providerFlag, "provider", "", "Store provider: sqlite, leveldb, redis or memory")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := openProvider(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.Store.Provider).Msg("Could not open store")
	}
	defer provider.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not register metrics")
	}

	originURL, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Clould not parse url")
	}
	ocache, err := offlinecache.New(ctx, offlinecache.Config{
		Settings:   settings(cfg),
		Cache:      provider,
		OriginURL:  *originURL,
		OriginHost: cfg.Server.Host,
		Logger:     &log.Logger,
		Metrics:    m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create cache")
	}

	channel := control.NewChannel(control.Options{Target: ocache, Logger: log.Logger, Metrics: m})
	ocache.SetNotifier(channel.Publish)
	go channel.Run(ctx)

	if cfg.Control.NATS.URL != "" {
		nc, err := nats.Connect(cfg.Control.NATS.URL,
			nats.Name("offline-cache"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not connect to NATS")
		}
		defer nc.Close()
		transport := control.NewNATS(channel, nc, cfg.Control.NATS.Subject, cfg.Control.NATS.Events)
		go func() {
			if err := transport.Run(ctx); err != nil {
				log.Error().Err(err).Msg("NATS control transport stopped")
			}
		}()
	}

	go reloadOnHangup(ctx, ocache)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if cfg.Control.Secret != "" {
		r.Mount("/_cache", control.Handler(channel, cfg.Control.Secret))
	}
	r.Handle("/*", ocache)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown incomplete")
		}
		// handlers are drained, no refresh can start anymore
		ocache.Close()
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Server.Port, cfg.Server.Origin, cfg.Server.Host)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-stopped
	log.Info().Msg("Stopped")
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configFlag != "" {
		var err error
		if cfg, err = config.Load(configFlag); err != nil {
			return config.Config{}, err
		}
	}

	// get the downstream server address
	if originFlag != "" {
		cfg.Server.Origin = originFlag
	} else if addrFlag != "" {
		cfg.Server.Origin = "https://" + addrFlag
		cfg.Server.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if providerFlag != "" {
		cfg.Store.Provider = providerFlag
	}
	if dbFilenameFlag == "memory" {
		cfg.Store.Provider = config.ProviderMemory
	} else if dbFilenameFlag != "" {
		cfg.Store.Path = dbFilenameFlag
	}
	return cfg, cfg.Validate()
}

func openProvider(ctx context.Context, cfg config.Config) (cache.CacheProvider, error) {
	switch cfg.Store.Provider {
	case config.ProviderMemory:
		return cache.NewMemCache(), nil
	case config.ProviderLevelDB:
		return cache.NewLevelDBCache(cfg.Store.Path)
	case config.ProviderRedis:
		return cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
	}
	return cache.NewSQLiteCache(cfg.Store.Path)
}

func settings(cfg config.Config) offlinecache.Settings {
	return offlinecache.Settings{
		Registry:        cfg.Registry(),
		Rules:           cfg.Rules(),
		Manifest:        cfg.Manifest,
		OfflineRedirect: cfg.Offline.Redirect,
		MaxBackground:   cfg.Background.MaxRefreshes,
	}
}

// reloadOnHangup re-reads the configuration file on SIGHUP and upgrades the
// cache to the new namespaces and rules.
func reloadOnHangup(ctx context.Context, ocache *offlinecache.OfflineCache) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		if configFlag == "" {
			log.Warn().Msg("No configuration file to reload")
			continue
		}
		cfg, err := config.Load(configFlag)
		if err != nil {
			log.Error().Err(err).Msg("Could not reload configuration")
			continue
		}
		log.Info().Strs("namespaces", cfg.Registry().IDs()).Msg("Configuration reloaded, upgrading")
		go func() {
			if err := ocache.Upgrade(ctx, settings(cfg)); err != nil {
				log.Error().Err(err).Msg("Upgrade failed")
			}
		}()
	}
}
