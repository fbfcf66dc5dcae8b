// Package registry keeps a TTL-bounded copy of a sellers.json registry.
//
// Reads never block on the network: a stale or missing snapshot triggers a
// background refresh and the caller gets whatever is cached. Refreshes replace
// the snapshot wholesale, and a failed refresh leaves it untouched.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FranksOps/adscan/internal/metrics"
	"github.com/FranksOps/adscan/internal/scraper"
	"github.com/FranksOps/adscan/internal/storage"
	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultURL = "https://adwmg.com/sellers.json"
	DefaultTTL = 12 * time.Hour

	// Store keys.
	KeySellers   = "adwmg_sellers_cache"
	KeyFetchedAt = "adwmg_sellers_ts"
	KeyCustomURL = "custom_sellers_url"

	// backgroundTimeout bounds a refresh started by a reader.
	backgroundTimeout = time.Minute
)

// ErrNoURL is returned by Refresh when no registry URL is configured.
var ErrNoURL = errors.New("registry: no registry url configured")

// Fetcher retrieves the registry document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*scraper.FetchResult, error)
}

// Config configures a Cache.
type Config struct {
	// URL of the registry. Empty selects DefaultURL.
	URL string
	// TTL after which reads trigger a background refresh. Zero selects DefaultTTL.
	TTL time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Cache is the process-wide registry snapshot.
type Cache struct {
	defaultURL string
	ttl        time.Duration
	now        func() time.Time
	fetcher    Fetcher
	store      storage.Store
	logger     *slog.Logger

	mu      sync.RWMutex
	url     string
	snap    Snapshot
	lastErr error

	group singleflight.Group
	bg    sync.WaitGroup
}

// New creates a cache. A nil store keeps state in memory only.
func New(cfg Config, fetcher Fetcher, store storage.Store, logger *slog.Logger) *Cache {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if store == nil {
		store = storage.NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		defaultURL: cfg.URL,
		url:        cfg.URL,
		ttl:        cfg.TTL,
		now:        cfg.Now,
		fetcher:    fetcher,
		store:      store,
		logger:     logger,
		snap:       Snapshot{Sellers: []Seller{}},
	}
}

// Load restores the persisted snapshot and custom URL. Missing or unreadable
// entries are skipped; only a store failure is returned.
func (c *Cache) Load(ctx context.Context) error {
	items, err := c.store.Get(ctx, KeySellers, KeyFetchedAt, KeyCustomURL)
	if err != nil {
		return fmt.Errorf("registry load: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if raw := strings.TrimSpace(string(items[KeyCustomURL])); raw != "" {
		if err := validateURL(raw); err != nil {
			c.logger.Warn("ignoring persisted registry url", "url", raw, "err", err)
		} else {
			c.url = raw
		}
	}

	var sellers []Seller
	if raw, ok := items[KeySellers]; ok {
		if err := json.Unmarshal(raw, &sellers); err != nil {
			c.logger.Warn("discarding persisted registry snapshot", "err", err)
			return nil
		}
	}
	if sellers == nil {
		sellers = []Seller{}
	}

	var fetchedAt time.Time
	if ms, err := strconv.ParseInt(strings.TrimSpace(string(items[KeyFetchedAt])), 10, 64); err == nil && ms > 0 {
		fetchedAt = time.UnixMilli(ms)
	}

	c.snap = Snapshot{Sellers: sellers, FetchedAt: fetchedAt}
	metrics.RegistrySellers.Set(float64(len(sellers)))
	c.logger.Debug("registry snapshot loaded", "sellers", len(sellers), "fetched_at", fetchedAt, "url", c.url)
	return nil
}

// Get returns the cached snapshot without blocking. When the snapshot is
// missing or older than the TTL, a background refresh is started and its
// outcome is only visible through later reads and LastError.
func (c *Cache) Get(_ context.Context) Snapshot {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if c.stale(snap) {
		c.refreshInBackground()
	}
	return snap
}

// Snapshot returns the cached snapshot and never starts a refresh.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Cache) stale(snap Snapshot) bool {
	age, ok := snap.Age(c.now())
	return !ok || age > c.ttl
}

func (c *Cache) refreshInBackground() {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()

		_, err, _ := c.group.Do("refresh", func() (any, error) {
			// Another refresh may have landed between the read and now.
			c.mu.RLock()
			snap := c.snap
			c.mu.RUnlock()
			if !c.stale(snap) {
				return nil, nil
			}
			return c.refresh(ctx, false)
		})
		if err != nil {
			c.logger.Debug("background registry refresh failed", "err", err)
		}
	}()
}

// Wait blocks until in-flight background refreshes finish.
func (c *Cache) Wait() {
	c.bg.Wait()
}

// Refresh fetches the registry and replaces the snapshot. On failure the
// previous snapshot is kept and the error is returned. force marks a user
// triggered refresh, which always performs its own fetch.
func (c *Cache) Refresh(ctx context.Context, force bool) ([]Seller, error) {
	if force {
		return c.refresh(ctx, true)
	}
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx, false)
	})
	if err != nil {
		return nil, err
	}
	sellers, ok := v.([]Seller)
	if !ok {
		// Joined a background refresh that found the snapshot fresh.
		c.mu.RLock()
		sellers = c.snap.Sellers
		c.mu.RUnlock()
	}
	return sellers, nil
}

func (c *Cache) refresh(ctx context.Context, force bool) (sellers []Seller, err error) {
	defer func() {
		metrics.RecordRegistryRefresh(force, err, len(sellers))
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
	}()

	target := c.URL()
	if target == "" {
		return nil, ErrNoURL
	}

	res, err := c.fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("registry refresh: %w", err)
	}

	sellers, err = parseDocument(res.Body)
	switch {
	case errors.Is(err, ErrMalformed):
		c.logger.Warn("registry document malformed", "url", target, "err", err)
	case err != nil:
		return nil, fmt.Errorf("registry refresh: %w", err)
	}

	snap := Snapshot{Sellers: sellers, FetchedAt: c.now()}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	if err := c.persist(ctx, snap); err != nil {
		c.logger.Warn("registry snapshot not persisted", "err", err)
	}

	c.logger.Info("registry refreshed", "url", target, "sellers", len(sellers), "force", force)
	return sellers, nil
}

func (c *Cache) persist(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap.Sellers)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, map[string][]byte{
		KeySellers:   data,
		KeyFetchedAt: []byte(strconv.FormatInt(snap.FetchedAt.UnixMilli(), 10)),
	})
}

// URL returns the registry URL currently in use.
func (c *Cache) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// UseURL switches the registry URL for this process without persisting it.
// The snapshot is kept until the next successful refresh. Empty restores the
// configured default.
func (c *Cache) UseURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = c.defaultURL
	}
	if err := validateURL(raw); err != nil {
		return err
	}
	c.mu.Lock()
	c.url = raw
	c.mu.Unlock()
	return nil
}

// SetURL is UseURL plus persisting the choice under KeyCustomURL.
func (c *Cache) SetURL(ctx context.Context, raw string) error {
	if err := c.UseURL(raw); err != nil {
		return err
	}
	if err := c.store.Set(ctx, map[string][]byte{KeyCustomURL: []byte(strings.TrimSpace(raw))}); err != nil {
		return fmt.Errorf("registry: persist url: %w", err)
	}
	return nil
}

// LastError is the outcome of the most recent refresh, nil on success.
func (c *Cache) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Match returns the cached sellers whose digits-only id is in ids, in
// registry order.
func (c *Cache) Match(ids map[string]struct{}) []Seller {
	if len(ids) == 0 {
		return nil
	}
	c.mu.RLock()
	sellers := c.snap.Sellers
	c.mu.RUnlock()

	var out []Seller
	for _, s := range sellers {
		if _, ok := ids[s.Key()]; ok {
			out = append(out, s)
		}
	}
	return out
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("registry: invalid url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("registry: url %q must be absolute http(s)", raw)
	}
	return nil
}
