package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/FranksOps/adscan/internal/analyzer"
	"github.com/FranksOps/adscan/internal/scraper"
	"github.com/FranksOps/adscan/pkg/ratelimit"
	"golang.org/x/sync/errgroup"
)

// ErrDisallowed marks an origin whose robots.txt forbids fetching ads.txt.
var ErrDisallowed = errors.New("scan: disallowed by robots.txt")

// BatchConfig provides parameters for scanning many origins at once.
type BatchConfig struct {
	Concurrency int
	// RespectRobots checks robots.txt before probing an origin.
	RespectRobots bool
	// UserAgent is matched against robots.txt groups.
	UserAgent string
	// RequestsPerSecond limits how fast origins are started (0 = unlimited).
	RequestsPerSecond float64
	Jitter            float64
}

// Batch scans a list of origins with a bounded worker pool.
type Batch struct {
	cfg       BatchConfig
	inspector *Inspector
	auditor   *scraper.RobotsTxtAuditor
	logger    *slog.Logger
}

// NewBatch creates a batch runner. fetcher is only used for robots.txt and
// may be nil when RespectRobots is off.
func NewBatch(cfg BatchConfig, inspector *Inspector, fetcher *scraper.Fetcher, logger *slog.Logger) *Batch {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "*"
	}
	if logger == nil {
		logger = slog.Default()
	}

	var auditor *scraper.RobotsTxtAuditor
	if cfg.RespectRobots && fetcher != nil {
		auditor = scraper.NewRobotsTxtAuditor(fetcher, logger)
	}

	return &Batch{
		cfg:       cfg,
		inspector: inspector,
		auditor:   auditor,
		logger:    logger,
	}
}

// NormalizeOrigin accepts a bare domain or any http(s) URL and returns its
// origin. Bare domains are assumed to be https.
func NormalizeOrigin(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", fmt.Errorf("%w: empty origin", ErrUnsupportedScheme)
	}
	if !strings.Contains(s, "://") {
		d := analyzer.CleanDomain(s)
		if d == "" {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, input)
		}
		s = "https://" + d
	}
	origin, ok := analyzer.Origin(s)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, input)
	}
	return strings.ToLower(origin), nil
}

// Run inspects every distinct origin and returns the results in input order.
// Invalid and disallowed origins get an Inspection carrying the error. Run
// only fails when ctx is cancelled. A Batch may be Run more than once.
func (b *Batch) Run(ctx context.Context, inputs []string) ([]Inspection, error) {
	limiter := ratelimit.NewLimiter(b.cfg.RequestsPerSecond, b.cfg.Jitter)
	defer limiter.Stop()

	var results []Inspection
	seen := make(map[string]struct{}, len(inputs))
	var jobs []int

	for _, in := range inputs {
		origin, err := NormalizeOrigin(in)
		if err != nil {
			results = append(results, Inspection{Origin: in, Err: err})
			continue
		}
		if _, dup := seen[origin]; dup {
			continue
		}
		seen[origin] = struct{}{}
		jobs = append(jobs, len(results))
		results = append(results, Inspection{Origin: origin})
	}

	queue := make(chan int)
	g, gCtx := errgroup.WithContext(ctx)

	for i := 0; i < b.cfg.Concurrency; i++ {
		g.Go(func() error {
			for idx := range queue {
				// Each worker owns distinct indexes, so writes do not overlap.
				results[idx] = b.process(gCtx, limiter, results[idx].Origin)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(queue)
		for _, idx := range jobs {
			select {
			case queue <- idx:
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func (b *Batch) process(ctx context.Context, limiter *ratelimit.Limiter, origin string) Inspection {
	if b.auditor != nil {
		allowed, err := b.auditor.IsAllowed(ctx, origin+AdsPath, b.cfg.UserAgent)
		if err != nil {
			b.logger.Warn("error checking robots.txt", "origin", origin, "err", err)
		} else if !allowed {
			b.logger.Debug("origin blocked by robots.txt", "origin", origin)
			return Inspection{Origin: origin, Err: ErrDisallowed}
		}
	}

	if err := limiter.Wait(ctx); err != nil {
		return Inspection{Origin: origin, Err: err}
	}

	b.logger.Debug("scanning", "origin", origin)
	res := b.inspector.Inspect(ctx, origin)
	if res.Err != nil {
		b.logger.Warn("scan failed", "origin", origin, "err", res.Err)
	}
	return res
}
