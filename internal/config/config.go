// Package config loads adscan settings from defaults, an optional YAML file
// and ADSCAN_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/FranksOps/adscan/internal/fingerprint"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ADSCAN_REGISTRY_URL.
const EnvPrefix = "ADSCAN"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type RegistryConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
	// Brand overrides the token derived from the registry host.
	Brand string `mapstructure:"brand"`
}

type FetchConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	Retries           int           `mapstructure:"retries"`
	Backoff           time.Duration `mapstructure:"backoff"`
	Fingerprint       string        `mapstructure:"fingerprint"`
	UserAgent         string        `mapstructure:"user_agent"`
	ProxyFile         string        `mapstructure:"proxy_file"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Jitter            float64       `mapstructure:"jitter"`
}

type ScanConfig struct {
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	MaxRetries    int           `mapstructure:"max_retries"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

type StorageConfig struct {
	// Backend is one of memory, sqlite, postgres or json.
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

type ServeConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the top-level configuration.
type Config struct {
	Registry RegistryConfig `mapstructure:"registry"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Serve    ServeConfig    `mapstructure:"serve"`
	Log      LogConfig      `mapstructure:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Registry: RegistryConfig{
			URL: "https://adwmg.com/sellers.json",
			TTL: 12 * time.Hour,
		},
		Fetch: FetchConfig{
			Timeout:     8 * time.Second,
			Retries:     1,
			Backoff:     300 * time.Millisecond,
			Fingerprint: string(fingerprint.ProfileGo),
		},
		Scan: ScanConfig{
			InitialDelay:  5 * time.Second,
			RetryInterval: 5 * time.Second,
			Cooldown:      60 * time.Second,
			MaxRetries:    2,
			ProbeTimeout:  8 * time.Second,
			Concurrency:   4,
		},
		Storage: StorageConfig{Backend: "memory"},
		Serve:   ServeConfig{Addr: "127.0.0.1:8787"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Validate reports the first problem found.
func (c Config) Validate() error {
	if c.Registry.URL != "" {
		u, err := url.Parse(c.Registry.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: registry.url %q must be an http(s) URL", ErrInvalid, c.Registry.URL)
		}
	}

	durations := map[string]time.Duration{
		"registry.ttl":        c.Registry.TTL,
		"fetch.timeout":       c.Fetch.Timeout,
		"scan.initial_delay":  c.Scan.InitialDelay,
		"scan.retry_interval": c.Scan.RetryInterval,
		"scan.cooldown":       c.Scan.Cooldown,
		"scan.probe_timeout":  c.Scan.ProbeTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
		}
	}
	if c.Fetch.Retries < 0 {
		return fmt.Errorf("%w: fetch.retries must not be negative", ErrInvalid)
	}
	if c.Scan.MaxRetries < 0 {
		return fmt.Errorf("%w: scan.max_retries must not be negative", ErrInvalid)
	}
	if c.Scan.Concurrency < 0 {
		return fmt.Errorf("%w: scan.concurrency must not be negative", ErrInvalid)
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: fetch.requests_per_second must not be negative", ErrInvalid)
	}
	if _, err := fingerprint.ParseProfile(c.Fetch.Fingerprint); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Fetch.ProxyFile != "" {
		if p, _ := fingerprint.ParseProfile(c.Fetch.Fingerprint); p != fingerprint.ProfileGo {
			return fmt.Errorf("%w: fetch.proxy_file requires the go fingerprint", ErrInvalid)
		}
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "sqlite", "postgres", "json":
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for %s", ErrInvalid, c.Storage.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalid, c.Storage.Backend)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// Loader reads Config through viper and can watch the config file.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. path may be empty to skip the config file.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("registry.url", d.Registry.URL)
	v.SetDefault("registry.ttl", d.Registry.TTL)
	v.SetDefault("registry.brand", d.Registry.Brand)
	v.SetDefault("fetch.timeout", d.Fetch.Timeout)
	v.SetDefault("fetch.retries", d.Fetch.Retries)
	v.SetDefault("fetch.backoff", d.Fetch.Backoff)
	v.SetDefault("fetch.fingerprint", d.Fetch.Fingerprint)
	v.SetDefault("fetch.user_agent", d.Fetch.UserAgent)
	v.SetDefault("fetch.proxy_file", d.Fetch.ProxyFile)
	v.SetDefault("fetch.requests_per_second", d.Fetch.RequestsPerSecond)
	v.SetDefault("fetch.jitter", d.Fetch.Jitter)
	v.SetDefault("scan.initial_delay", d.Scan.InitialDelay)
	v.SetDefault("scan.retry_interval", d.Scan.RetryInterval)
	v.SetDefault("scan.cooldown", d.Scan.Cooldown)
	v.SetDefault("scan.max_retries", d.Scan.MaxRetries)
	v.SetDefault("scan.probe_timeout", d.Scan.ProbeTimeout)
	v.SetDefault("scan.concurrency", d.Scan.Concurrency)
	v.SetDefault("scan.respect_robots", d.Scan.RespectRobots)
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("serve.addr", d.Serve.Addr)
	v.SetDefault("serve.metrics_port", d.Serve.MetricsPort)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Viper exposes the underlying instance so callers can bind flags.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads the config file, if any, and returns the validated result.
func (l *Loader) Load() (Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls fn with the re-read configuration whenever the config file is
// written. It is a no-op without a config file.
func (l *Loader) Watch(fn func(Config, error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
}
