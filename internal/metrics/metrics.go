package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adscan_fetch_attempts_total",
			Help: "Total number of HTTP fetch attempts by outcome",
		},
		[]string{"host", "outcome"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adscan_fetch_duration_seconds",
			Help:    "Duration of single fetch attempts in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
		[]string{"host"},
	)

	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adscan_scans_total",
			Help: "Total number of tab scans by outcome",
		},
		[]string{"outcome"},
	)

	ScanMatches = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adscan_scan_matches",
			Help:    "Brand line count produced by completed scans",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		},
	)

	RegistryRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adscan_registry_refresh_total",
			Help: "Total number of seller registry refreshes by mode and result",
		},
		[]string{"mode", "result"},
	)

	RegistrySellers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adscan_registry_sellers",
			Help: "Number of seller records in the cached registry snapshot",
		},
	)

	TrackedTabs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adscan_tracked_tabs",
			Help: "Number of tabs with scan bookkeeping",
		},
	)
)

// RecordFetchAttempt counts one fetch attempt against host.
func RecordFetchAttempt(host, outcome string, d time.Duration) {
	FetchAttemptsTotal.WithLabelValues(host, outcome).Inc()
	FetchDuration.WithLabelValues(host).Observe(d.Seconds())
}

// RecordScan counts a finished scan. Skipped scans carry no match count.
func RecordScan(outcome string, count int) {
	ScansTotal.WithLabelValues(outcome).Inc()
	if count >= 0 {
		ScanMatches.Observe(float64(count))
	}
}

// RecordRegistryRefresh counts a registry refresh. sellers < 0 leaves the
// size gauge untouched.
func RecordRegistryRefresh(force bool, err error, sellers int) {
	mode := "background"
	if force {
		mode = "forced"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	RegistryRefreshTotal.WithLabelValues(mode, result).Inc()
	if err == nil && sellers >= 0 {
		RegistrySellers.Set(float64(sellers))
	}
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
}

// Start begins listening on the specified port and exposes /metrics.
func Start(port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "port", port, "err", err)
		}
	}()

	return &Server{srv: srv}
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
