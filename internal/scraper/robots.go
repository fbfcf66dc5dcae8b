package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
)

// RobotsTxtAuditor answers whether an origin's robots.txt permits fetching a
// path. Results are cached per origin for the auditor's lifetime.
type RobotsTxtAuditor struct {
	fetcher *Fetcher
	logger  *slog.Logger
	mu      sync.Mutex
	cache   map[string]*robotstxt.RobotsData
}

// NewRobotsTxtAuditor creates a new instance.
func NewRobotsTxtAuditor(fetcher *Fetcher, logger *slog.Logger) *RobotsTxtAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobotsTxtAuditor{
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[string]*robotstxt.RobotsData),
	}
}

// IsAllowed reports whether userAgent may fetch targetURL. A missing or
// unreachable robots.txt allows everything.
func (r *RobotsTxtAuditor) IsAllowed(ctx context.Context, targetURL string, userAgent string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("invalid url: %w", err)
	}

	data := r.rules(ctx, u.Scheme+"://"+u.Host)
	if data == nil {
		return true, nil
	}
	return data.TestAgent(u.EscapedPath(), userAgent), nil
}

func (r *RobotsTxtAuditor) rules(ctx context.Context, origin string) *robotstxt.RobotsData {
	r.mu.Lock()
	defer r.mu.Unlock()

	if data, ok := r.cache[origin]; ok {
		return data
	}

	var data *robotstxt.RobotsData
	res, err := r.fetcher.Fetch(ctx, origin+"/robots.txt")
	switch {
	case err != nil:
		r.logger.Debug("robots.txt unavailable, allowing", "origin", origin, "err", err)
	default:
		parsed, perr := robotstxt.FromBytes(res.Body)
		if perr != nil {
			r.logger.Debug("robots.txt unparseable, allowing", "origin", origin, "err", perr)
		} else {
			data = parsed
		}
	}

	r.cache[origin] = data
	return data
}
