package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/adscan/internal/bypass"
	"github.com/FranksOps/adscan/internal/fingerprint"
	"github.com/FranksOps/adscan/internal/metrics"
	"github.com/FranksOps/adscan/pkg/httpclient"
	"github.com/FranksOps/adscan/pkg/proxy"
	"github.com/FranksOps/adscan/pkg/ratelimit"
	"github.com/FranksOps/adscan/pkg/useragent"
)

const (
	DefaultTimeout      = 8 * time.Second
	DefaultBackoff      = 300 * time.Millisecond
	DefaultMaxRedirects = 10
	DefaultMaxBodyBytes = 8 << 20
)

// FetchConfig configures a Fetcher.
type FetchConfig struct {
	// Timeout bounds each attempt, including reading the body.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first failure.
	Retries int
	// Backoff is the linear backoff unit: attempt i (0-based) is followed by a
	// pause of Backoff*(i+1). Zero selects DefaultBackoff, negative disables it.
	Backoff time.Duration
	// MaxRedirects of zero selects DefaultMaxRedirects; negative disables redirects.
	MaxRedirects        int
	SameOriginRedirects bool
	UseCookieJar        bool
	UAPool              *useragent.Pool
	Fingerprint         fingerprint.Profile
	InsecureSkipVerify  bool
	Limiter             *ratelimit.HostLimiter
	// Proxies, when non-empty, routes each attempt through the next proxy.
	// Requires the Go fingerprint profile.
	Proxies      *proxy.Pool
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// FetchResult is a successful fetch.
type FetchResult struct {
	URL        string
	FinalURL   string
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Duration   time.Duration
}

// Text returns the body as a string.
func (r *FetchResult) Text() string { return string(r.Body) }

// Fetcher performs bounded-timeout, bounded-retry GET requests.
type Fetcher struct {
	config FetchConfig
	client *httpclient.Client
	logger *slog.Logger
}

// NewFetcher initializes a new Fetcher with the given configuration.
// The client is shared across requests, so cookie jars (if configured)
// persist for the lifetime of the Fetcher.
func NewFetcher(cfg FetchConfig) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = fingerprint.ProfileGo
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := fingerprint.Options{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.Proxies.Len() > 0 {
		opts.Proxy = proxy.FromRequest
	}
	transport, err := fingerprint.Transport(cfg.Fingerprint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to setup transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:             cfg.Timeout,
		MaxRedirects:        cfg.MaxRedirects,
		SameOriginRedirects: cfg.SameOriginRedirects,
		UseCookieJar:        cfg.UseCookieJar,
		Transport:           transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Fetcher{config: cfg, client: client, logger: cfg.Logger}, nil
}

// Timeout returns the per-attempt bound.
func (f *Fetcher) Timeout() time.Duration { return f.config.Timeout }

// Fetch GETs targetURL, retrying transport failures, timeouts and non-2xx
// responses up to Retries times with linear backoff. The error of the last
// attempt is returned once attempts are exhausted; a cancelled ctx stops
// immediately.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (*FetchResult, error) {
	attempts := f.config.Retries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		res, err := f.attempt(ctx, targetURL)
		if err == nil {
			res.Attempts = attempt + 1
			return res, nil
		}
		lastErr = err
		f.logger.Debug("fetch attempt failed", "url", targetURL, "attempt", attempt+1, "of", attempts, "err", err)

		if ctx.Err() != nil || attempt == attempts-1 {
			break
		}
		if err := sleep(ctx, f.config.Backoff*time.Duration(attempt+1)); err != nil {
			break
		}
	}

	return nil, fmt.Errorf("fetch %s: %w", targetURL, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, targetURL string) (res *FetchResult, err error) {
	start := time.Now()
	host := hostOf(targetURL)
	defer func() {
		metrics.RecordFetchAttempt(host, outcome(err), time.Since(start))
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	if via := f.config.Proxies.Next(); via != nil {
		attemptCtx = proxy.WithProxy(attemptCtx, via)
		defer func() {
			// A status error still means the proxy delivered a response.
			var statusErr *HTTPStatusError
			ok := err == nil || errors.As(err, &statusErr)
			if reportErr := f.config.Proxies.Report(via, ok); reportErr != nil {
				f.logger.Warn("proxy report failed", "err", reportErr)
			}
		}()
	}

	if err := f.config.Limiter.Wait(attemptCtx, targetURL); err != nil {
		return nil, classify(ctx, attemptCtx, err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	req.Header.Set("User-Agent", f.config.UAPool.Next())
	req.Header.Set("Accept", "text/plain,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(attemptCtx, req)
	if err != nil {
		return nil, classify(ctx, attemptCtx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes))
	if err != nil {
		return nil, classify(ctx, attemptCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{
			URL:        targetURL,
			StatusCode: resp.StatusCode,
			Challenge: bypass.Detect(bypass.Response{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       body,
			}, bypass.DefaultDetectors()),
		}
	}

	return &FetchResult{
		URL:        targetURL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

// classify maps a request error onto ErrTimeout or ErrNetwork, keeping the
// original error in the chain.
func classify(parent, attemptCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Hostname()
	}
	return ""
}
