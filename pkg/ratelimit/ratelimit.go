package ratelimit

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Limiter spaces operations at a fixed interval with optional jitter.
// It is safe for concurrent use by multiple goroutines.
type Limiter struct {
	ticker   *time.Ticker
	jitter   float64 // 0.0 to 1.0
	interval time.Duration
	ch       <-chan time.Time
}

// NewLimiter creates a limiter allowing rps operations per second. Jitter is
// clamped to [0, 1]. If rps is <= 0, the limiter never blocks.
func NewLimiter(rps float64, jitter float64) *Limiter {
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	if rps <= 0 {
		return &Limiter{jitter: jitter}
	}

	interval := time.Duration(float64(time.Second) / rps)
	ticker := time.NewTicker(interval)

	return &Limiter{
		ticker:   ticker,
		jitter:   jitter,
		interval: interval,
		ch:       ticker.C,
	}
}

// Wait blocks until the next slot, or until ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.ch == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ch:
	}

	if l.jitter == 0 {
		return nil
	}
	// A ticker already enforces the minimum spacing, so only positive jitter
	// has an effect.
	extra := time.Duration(float64(l.interval) * l.jitter * ((rand.Float64() * 2) - 1.0))
	if extra <= 0 {
		return nil
	}
	timer := time.NewTimer(extra)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop releases any resources associated with the limiter.
func (l *Limiter) Stop() {
	if l != nil && l.ticker != nil {
		l.ticker.Stop()
	}
}

// HostLimiter keeps one Limiter per host so that fetches against the same
// origin are spaced while different origins proceed independently.
type HostLimiter struct {
	rps    float64
	jitter float64

	mu    sync.Mutex
	hosts map[string]*Limiter
}

// NewHostLimiter creates a per-host limiter. rps <= 0 disables limiting.
func NewHostLimiter(rps, jitter float64) *HostLimiter {
	return &HostLimiter{
		rps:    rps,
		jitter: jitter,
		hosts:  make(map[string]*Limiter),
	}
}

// Wait blocks until a request to rawURL's host may proceed. Unparseable URLs
// share a single bucket keyed by the raw string.
func (h *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	if h == nil || h.rps <= 0 {
		return nil
	}
	return h.limiter(hostKey(rawURL)).Wait(ctx)
}

// Len reports how many hosts currently hold a limiter.
func (h *HostLimiter) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hosts)
}

// Stop releases every per-host limiter.
func (h *HostLimiter) Stop() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, l := range h.hosts {
		l.Stop()
		delete(h.hosts, k)
	}
}

func (h *HostLimiter) limiter(host string) *Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.hosts[host]
	if !ok {
		l = NewLimiter(h.rps, h.jitter)
		h.hosts[host] = l
	}
	return l
}

func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Host)
}
