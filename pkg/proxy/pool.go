// Package proxy rotates outbound requests across a list of forward proxies
// and benches proxies that keep failing.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrUnknownProxy is returned when reporting on a proxy that is not in the pool.
var ErrUnknownProxy = errors.New("proxy: not in pool")

type endpoint struct {
	url      *url.URL
	failures int
	benched  time.Time // zero when active
}

// Pool is a round-robin set of proxies. A nil *Pool hands out no proxy.
type Pool struct {
	mu          sync.Mutex
	endpoints   []*endpoint
	next        int
	maxFailures int
	bench       time.Duration
	now         func() time.Time
}

// Config tunes failure handling.
type Config struct {
	// MaxFailures consecutive failures bench a proxy. Default 3.
	MaxFailures int
	// Bench is how long a failing proxy sits out. Default 5m.
	Bench time.Duration
}

func NewPool(cfg Config) *Pool {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Bench <= 0 {
		cfg.Bench = 5 * time.Minute
	}
	return &Pool{maxFailures: cfg.MaxFailures, bench: cfg.Bench, now: time.Now}
}

// LoadFile adds one proxy per line from path; blank lines and '#' comments are skipped.
func (p *Pool) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return p.Add(lines...)
}

// Add registers proxies. Entries without a scheme are treated as http.
func (p *Pool) Add(raw ...string) error {
	parsed := make([]*endpoint, 0, len(raw))
	for _, r := range raw {
		if !strings.Contains(r, "://") {
			r = "http://" + r
		}
		u, err := url.Parse(r)
		if err != nil {
			return fmt.Errorf("proxy: parse %q: %w", r, err)
		}
		if u.Host == "" {
			return fmt.Errorf("proxy: %q has no host", r)
		}
		parsed = append(parsed, &endpoint{url: u})
	}

	p.mu.Lock()
	p.endpoints = append(p.endpoints, parsed...)
	p.mu.Unlock()
	return nil
}

// Len reports the number of configured proxies, benched or not.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Next returns the next active proxy, or nil when the pool is empty or every
// proxy is benched.
func (p *Pool) Next() *url.URL {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for range p.endpoints {
		e := p.endpoints[p.next]
		p.next = (p.next + 1) % len(p.endpoints)

		if !e.benched.IsZero() {
			if now.Before(e.benched) {
				continue
			}
			e.benched = time.Time{}
			e.failures = 0
		}
		return e.url
	}
	return nil
}

// Report records the outcome of a request made through u. Enough
// consecutive failures bench the proxy; a success clears its failure count.
func (p *Pool) Report(u *url.URL, ok bool) error {
	if p == nil || u == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.find(u)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProxy, u.Redacted())
	}
	if ok {
		e.failures = 0
		return nil
	}
	e.failures++
	if e.failures >= p.maxFailures {
		e.benched = p.now().Add(p.bench)
	}
	return nil
}

func (p *Pool) find(u *url.URL) *endpoint {
	target := u.String()
	for _, e := range p.endpoints {
		if e.url.String() == target {
			return e
		}
	}
	return nil
}

type ctxKey struct{}

// WithProxy pins the proxy for requests made with ctx.
func WithProxy(ctx context.Context, u *url.URL) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromRequest is an http.Transport Proxy func that returns the proxy pinned
// by WithProxy, or none.
func FromRequest(req *http.Request) (*url.URL, error) {
	u, _ := req.Context().Value(ctxKey{}).(*url.URL)
	return u, nil
}
