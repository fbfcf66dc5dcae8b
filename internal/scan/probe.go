package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/FranksOps/adscan/internal/analyzer"
	"github.com/FranksOps/adscan/internal/bypass"
	"github.com/FranksOps/adscan/internal/scraper"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	AdsPath    = "/ads.txt"
	AppAdsPath = "/app-ads.txt"
)

var (
	// ErrProbe wraps any failure of the manifest probe.
	ErrProbe = errors.New("scan: probe failed")
	// ErrUnsupportedScheme is returned for tabs whose URL is not http(s).
	ErrUnsupportedScheme = errors.New("scan: unsupported scheme")
)

// ManifestFetch is the outcome of retrieving one manifest.
type ManifestFetch struct {
	Text      string
	Succeeded bool
	FinalURL  string
}

// ProbeResult carries both manifests for an origin. OK is false when the
// probe ran but could not produce a usable answer.
type ProbeResult struct {
	OK     bool
	Ads    ManifestFetch
	AppAds ManifestFetch
}

// ManifestProbe retrieves the ads and app-ads manifests of an origin within
// timeout.
type ManifestProbe interface {
	Probe(ctx context.Context, origin string, timeout time.Duration) (ProbeResult, error)
}

// Fetcher is the subset of scraper.Fetcher used for direct manifest fetches.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*scraper.FetchResult, error)
}

// HTTPProbe fetches both manifests concurrently. Configure its fetcher the way
// a page-context fetch behaves: no retries and same-origin redirects only.
type HTTPProbe struct {
	Fetcher Fetcher
}

// Probe never fails for a well-formed origin; individual manifests that are
// unreachable, non-2xx or HTML come back with Succeeded false.
func (p HTTPProbe) Probe(ctx context.Context, origin string, timeout time.Duration) (ProbeResult, error) {
	base, ok := analyzer.Origin(origin)
	if !ok {
		return ProbeResult{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, origin)
	}

	var res ProbeResult
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.Ads = p.fetch(gCtx, base+AdsPath, timeout)
		return nil
	})
	g.Go(func() error {
		res.AppAds = p.fetch(gCtx, base+AppAdsPath, timeout)
		return nil
	})
	_ = g.Wait()

	res.OK = true
	return res, nil
}

func (p HTTPProbe) fetch(ctx context.Context, target string, timeout time.Duration) ManifestFetch {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	r, err := p.Fetcher.Fetch(ctx, target)
	if err != nil || bypass.LooksLikeHTML(r.Body) {
		return ManifestFetch{}
	}
	return ManifestFetch{Text: r.Text(), Succeeded: true, FinalURL: r.FinalURL}
}

// Inspection is the full result of scanning one origin.
type Inspection struct {
	ScanID string
	Origin string
	Ads    ManifestFetch
	AppAds ManifestFetch
	// AppAdsFallback is set when the app-ads manifest came from the direct
	// fetch after the probe could not retrieve it.
	AppAdsFallback bool
	// Count is the number of brand lines across both manifests.
	Count     int
	AdsLines  int
	AppLines  int
	SellerIDs map[string]struct{}
	Duration  time.Duration
	Err       error
}

// Inspector runs the probe for an origin and folds the manifests through the
// brand matcher.
type Inspector struct {
	Probe ManifestProbe
	// Fallback, when set, retries a failed app-ads manifest with a direct
	// fetch against the absolute URL.
	Fallback Fetcher
	Brand    analyzer.Brand
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Inspect scans origin. Failures are reported in Inspection.Err with a zero
// count; Inspect itself never fails.
func (in *Inspector) Inspect(ctx context.Context, origin string) (out Inspection) {
	start := time.Now()
	out = Inspection{ScanID: uuid.NewString(), Origin: strings.TrimSuffix(origin, "/")}
	defer func() { out.Duration = time.Since(start) }()

	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}

	res, err := in.Probe.Probe(ctx, out.Origin, in.Timeout)
	if err == nil && !res.OK {
		err = errors.New("probe returned no result")
	}
	if err != nil {
		out.Err = fmt.Errorf("%w: %w", ErrProbe, err)
		logger.Debug("probe failed", "scan_id", out.ScanID, "origin", out.Origin, "err", err)
		return out
	}
	out.Ads, out.AppAds = res.Ads, res.AppAds

	if !out.AppAds.Succeeded && in.Fallback != nil {
		r, err := in.Fallback.Fetch(ctx, out.Origin+AppAdsPath)
		switch {
		case err != nil:
			logger.Debug("app-ads fallback failed", "scan_id", out.ScanID, "origin", out.Origin, "err", err)
		case bypass.LooksLikeHTML(r.Body):
			logger.Debug("app-ads fallback returned html", "scan_id", out.ScanID, "origin", out.Origin, "url", r.FinalURL)
		default:
			out.AppAds = ManifestFetch{Text: r.Text(), Succeeded: true, FinalURL: r.FinalURL}
			out.AppAdsFallback = true
		}
	}

	out.Count = analyzer.CountBrandLines(out.Ads.Text, in.Brand) + analyzer.CountBrandLines(out.AppAds.Text, in.Brand)
	out.AdsLines = analyzer.CountLines(out.Ads.Text)
	out.AppLines = analyzer.CountLines(out.AppAds.Text)

	out.SellerIDs = analyzer.ExtractSellerIDs(out.Ads.Text, in.Brand)
	for id := range analyzer.ExtractSellerIDs(out.AppAds.Text, in.Brand) {
		out.SellerIDs[id] = struct{}{}
	}
	return out
}
