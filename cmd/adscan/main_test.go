package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FranksOps/adscan/internal/config"
	"github.com/FranksOps/adscan/internal/report"
	"github.com/goccy/go-json"
)

func publisherServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sellers.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"sellers":[{"seller_id":"999","domain":"example.com","seller_type":"DIRECT"}]}`)
	})
	mux.HandleFunc("/ads.txt", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "brandx.com, 999, DIRECT\nother.com, 1, RESELLER\n")
	})
	mux.HandleFunc("/app-ads.txt", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "brandx.com, pub-12, RESELLER\n")
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestScanCommand_JSONReport(t *testing.T) {
	ts := publisherServer(t)

	out, err := run(t, "scan", ts.URL,
		"--format", "json",
		"--registry-url", ts.URL+"/sellers.json",
		"--brand", "brandx",
	)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	var summary report.Summary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decoding report: %v\n%s", err, out)
	}
	if summary.Origins != 1 || len(summary.Entries) != 1 {
		t.Fatalf("expected one origin, got %+v", summary)
	}
	e := summary.Entries[0]
	if e.Count != 2 {
		t.Errorf("expected 2 brand lines, got %d", e.Count)
	}
	if len(e.Sellers) != 1 || e.Sellers[0].SellerID != "999" {
		t.Errorf("expected seller 999 to match, got %+v", e.Sellers)
	}
	if summary.Brand != "brandx" {
		t.Errorf("expected brand brandx, got %q", summary.Brand)
	}
}

func TestScanCommand_NoOrigins(t *testing.T) {
	if _, err := run(t, "scan", "--no-registry"); err == nil {
		t.Fatal("expected error without origins")
	}
}

func TestRegistryCommands_PersistAcrossRuns(t *testing.T) {
	ts := publisherServer(t)
	dsn := filepath.Join(t.TempDir(), "state.ndjson")
	common := []string{"--registry-url", ts.URL + "/sellers.json", "--storage", "json", "--dsn", dsn}

	out, err := run(t, append([]string{"registry", "refresh"}, common...)...)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !strings.HasPrefix(out, "1 sellers from ") {
		t.Errorf("unexpected refresh output: %q", out)
	}

	// The registry server is gone; show must be served from the journal.
	ts.Close()

	out, err = run(t, append([]string{"registry", "show"}, common...)...)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "example.com (999) — DIRECT") {
		t.Errorf("expected cached seller in output, got:\n%s", out)
	}
}

func TestReadOrigins(t *testing.T) {
	in := "example.com\n\n# comment\n  https://news.example  \n"
	got, err := readOrigins("-", strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "example.com" || got[1] != "https://news.example" {
		t.Errorf("unexpected origins: %q", got)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []config.StorageConfig{
		{Backend: "memory"},
		{Backend: "sqlite", DSN: "file::memory:?cache=shared"},
		{Backend: "json", DSN: filepath.Join(t.TempDir(), "kv.ndjson")},
	} {
		store, err := openStore(ctx, cfg)
		if err != nil {
			t.Fatalf("%s: %v", cfg.Backend, err)
		}
		if err := store.Set(ctx, map[string][]byte{"k": []byte("v")}); err != nil {
			t.Errorf("%s set: %v", cfg.Backend, err)
		}
		got, err := store.Get(ctx, "k")
		if err != nil || string(got["k"]) != "v" {
			t.Errorf("%s get: %q %v", cfg.Backend, got["k"], err)
		}
		store.Close()
	}

	if _, err := openStore(ctx, config.StorageConfig{Backend: "redis"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
