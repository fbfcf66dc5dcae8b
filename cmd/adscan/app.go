package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/FranksOps/adscan/internal/analyzer"
	"github.com/FranksOps/adscan/internal/config"
	"github.com/FranksOps/adscan/internal/fingerprint"
	"github.com/FranksOps/adscan/internal/registry"
	"github.com/FranksOps/adscan/internal/scraper"
	"github.com/FranksOps/adscan/internal/storage"
	"github.com/FranksOps/adscan/internal/storage/jsonbackend"
	"github.com/FranksOps/adscan/internal/storage/postgres"
	"github.com/FranksOps/adscan/internal/storage/sqlite"
	"github.com/FranksOps/adscan/pkg/proxy"
	"github.com/FranksOps/adscan/pkg/ratelimit"
	"github.com/FranksOps/adscan/pkg/useragent"
	"github.com/spf13/cobra"
)

// app carries state shared by all subcommands once flags are parsed.
type app struct {
	cfgPath string
	loader  *config.Loader
	cfg     config.Config
	logger  *slog.Logger

	proxies *proxy.Pool
	limiter *ratelimit.HostLimiter
}

// flagKeys maps command-line flags onto config keys. Flags missing from a
// given command are skipped.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"registry-url": "registry.url",
	"brand":        "registry.brand",
	"storage":      "storage.backend",
	"dsn":          "storage.dsn",
	"fingerprint":  "fetch.fingerprint",
	"proxy-file":   "fetch.proxy_file",
	"rps":          "fetch.requests_per_second",
	"addr":         "serve.addr",
	"metrics-port": "serve.metrics_port",
	"concurrency":  "scan.concurrency",
	"robots":       "scan.respect_robots",
}

func (a *app) init(cmd *cobra.Command) error {
	a.loader = config.NewLoader(a.cfgPath)
	v := a.loader.Viper()
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}

	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(a.logger)

	if cfg.Fetch.ProxyFile != "" {
		a.proxies = proxy.NewPool(proxy.Config{})
		if err := a.proxies.LoadFile(cfg.Fetch.ProxyFile); err != nil {
			return err
		}
	}
	if cfg.Fetch.RequestsPerSecond > 0 {
		a.limiter = ratelimit.NewHostLimiter(cfg.Fetch.RequestsPerSecond, cfg.Fetch.Jitter)
	}
	return nil
}

func (a *app) close() {
	a.limiter.Stop()
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type fetchMode int

const (
	// registryFetch follows redirects and retries per config.
	registryFetch fetchMode = iota
	// probeFetch behaves like a page-context request: one attempt, same-origin
	// redirects only.
	probeFetch
	// fallbackFetch is a single direct attempt that follows redirects.
	fallbackFetch
)

func (a *app) newFetcher(mode fetchMode) (*scraper.Fetcher, error) {
	profile, err := fingerprint.ParseProfile(a.cfg.Fetch.Fingerprint)
	if err != nil {
		return nil, err
	}

	uas := useragent.NewPool(nil)
	if a.cfg.Fetch.UserAgent != "" {
		uas = useragent.Fixed(a.cfg.Fetch.UserAgent)
	}

	fc := scraper.FetchConfig{
		Timeout:     a.cfg.Fetch.Timeout,
		Retries:     a.cfg.Fetch.Retries,
		Backoff:     a.cfg.Fetch.Backoff,
		UAPool:      uas,
		Fingerprint: profile,
		Limiter:     a.limiter,
		Proxies:     a.proxies,
		Logger:      a.logger,
	}
	switch mode {
	case probeFetch:
		fc.Timeout = a.cfg.Scan.ProbeTimeout
		fc.Retries = 0
		fc.Backoff = -1
		fc.SameOriginRedirects = true
	case fallbackFetch:
		fc.Retries = 0
		fc.Backoff = -1
	}
	return scraper.NewFetcher(fc)
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemory(), nil
	case "sqlite":
		return sqlite.New(cfg.DSN)
	case "postgres":
		return postgres.New(ctx, cfg.DSN)
	case "json":
		return jsonbackend.New(cfg.DSN)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// openRegistry builds the registry cache and restores its persisted state.
// The returned store must be closed by the caller.
func (a *app) openRegistry(ctx context.Context) (*registry.Cache, storage.Store, error) {
	store, err := openStore(ctx, a.cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	f, err := a.newFetcher(registryFetch)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	cache := registry.New(registry.Config{
		URL: a.cfg.Registry.URL,
		TTL: a.cfg.Registry.TTL,
	}, f, store, a.logger)
	if err := cache.Load(ctx); err != nil {
		a.logger.Warn("restoring registry cache", "err", err)
	}
	return cache, store, nil
}

// brand is the configured token, or the one derived from the registry host.
func (a *app) brand(registryURL string) analyzer.Brand {
	token := a.cfg.Registry.Brand
	if token == "" {
		token = analyzer.BrandFromURL(registryURL)
	}
	return analyzer.NewBrand(token)
}
