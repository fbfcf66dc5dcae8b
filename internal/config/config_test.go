package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Registry.TTL != 12*time.Hour {
		t.Errorf("expected 12h ttl, got %v", cfg.Registry.TTL)
	}
	if cfg.Scan.MaxRetries != 2 || cfg.Scan.Cooldown != time.Minute {
		t.Errorf("unexpected scan defaults: %+v", cfg.Scan)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ADSCAN_REGISTRY_URL", "https://other.example/sellers.json")
	t.Setenv("ADSCAN_SCAN_COOLDOWN", "30s")
	t.Setenv("ADSCAN_FETCH_RETRIES", "3")
	t.Setenv("ADSCAN_SCAN_MAX_RETRIES", "0")

	cfg, err := NewLoader("").Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.URL != "https://other.example/sellers.json" {
		t.Errorf("expected env registry url, got %q", cfg.Registry.URL)
	}
	if cfg.Scan.Cooldown != 30*time.Second {
		t.Errorf("expected 30s cooldown, got %v", cfg.Scan.Cooldown)
	}
	if cfg.Fetch.Retries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Fetch.Retries)
	}
	if cfg.Scan.MaxRetries != 0 {
		t.Errorf("expected scan retries turned off, got %d", cfg.Scan.MaxRetries)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adscan.yaml")
	content := `
registry:
  brand: acme
scan:
  initial_delay: 1s
storage:
  backend: sqlite
  dsn: file::memory:?cache=shared
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.Brand != "acme" {
		t.Errorf("expected brand acme, got %q", cfg.Registry.Brand)
	}
	if cfg.Scan.InitialDelay != time.Second {
		t.Errorf("expected 1s initial delay, got %v", cfg.Scan.InitialDelay)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", cfg.Storage.Backend)
	}
	// Untouched keys keep their defaults.
	if cfg.Registry.URL != Default().Registry.URL {
		t.Errorf("expected default registry url, got %q", cfg.Registry.URL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"registry scheme", func(c *Config) { c.Registry.URL = "ftp://example.com/sellers.json" }},
		{"negative cooldown", func(c *Config) { c.Scan.Cooldown = -time.Second }},
		{"negative retries", func(c *Config) { c.Fetch.Retries = -1 }},
		{"negative scan retries", func(c *Config) { c.Scan.MaxRetries = -1 }},
		{"unknown fingerprint", func(c *Config) { c.Fetch.Fingerprint = "netscape" }},
		{"proxy with utls", func(c *Config) {
			c.Fetch.Fingerprint = "chrome"
			c.Fetch.ProxyFile = "proxies.txt"
		}},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"backend without dsn", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adscan.yaml")
	if err := os.WriteFile(path, []byte("registry:\n  url: https://a.example/sellers.json\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	changed := make(chan Config, 4)
	l.Watch(func(cfg Config, err error) {
		if err == nil {
			changed <- cfg
		}
	})

	if err := os.WriteFile(path, []byte("registry:\n  url: https://b.example/sellers.json\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Registry.URL == "https://b.example/sellers.json" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
}
