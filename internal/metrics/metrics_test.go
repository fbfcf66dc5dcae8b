package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestMetricsServer(t *testing.T) {
	srv := Start(18931, nil)
	time.Sleep(100 * time.Millisecond)
	defer srv.Stop(context.Background())

	RecordFetchAttempt("example.com", "ok", 120*time.Millisecond)
	RecordScan("succeeded", 3)
	RecordRegistryRefresh(true, nil, 42)
	RecordRegistryRefresh(false, errors.New("boom"), -1)

	resp, err := http.Get("http://localhost:18931/metrics")
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	output := string(body)

	for _, want := range []string{
		`adscan_fetch_attempts_total{host="example.com",outcome="ok"}`,
		`adscan_fetch_duration_seconds_bucket`,
		`adscan_scans_total{outcome="succeeded"}`,
		`adscan_registry_refresh_total{mode="forced",result="ok"}`,
		`adscan_registry_refresh_total{mode="background",result="error"}`,
		`adscan_registry_sellers 42`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected metrics output to contain %s", want)
		}
	}
}

func TestStop_NilServer(t *testing.T) {
	var s *Server
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("nil server Stop should be a no-op, got %v", err)
	}
}
