package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPool_Rotation(t *testing.T) {
	pool := NewPool(Config{})

	if err := pool.Add("127.0.0.1:8080", "http://127.0.0.1:8081", "socks5://127.0.0.1:9050"); err != nil {
		t.Fatalf("unexpected error adding proxies: %v", err)
	}

	want := []string{
		"http://127.0.0.1:8080",
		"http://127.0.0.1:8081",
		"socks5://127.0.0.1:9050",
		"http://127.0.0.1:8080",
	}
	for i, w := range want {
		if got := pool.Next(); got == nil || got.String() != w {
			t.Errorf("call %d: expected %s, got %v", i, w, got)
		}
	}
}

func TestPool_Bench(t *testing.T) {
	now := time.Unix(1000, 0)
	pool := NewPool(Config{MaxFailures: 2, Bench: time.Minute})
	pool.now = func() time.Time { return now }

	if err := pool.Add("http://a", "http://b"); err != nil {
		t.Fatal(err)
	}

	a := pool.Next()
	_ = pool.Report(a, false)
	_ = pool.Report(a, false)

	for i := 0; i < 2; i++ {
		if got := pool.Next(); got.String() != "http://b" {
			t.Fatalf("expected http://b while a is benched, got %v", got)
		}
	}

	now = now.Add(time.Minute + time.Second)
	if got := pool.Next(); got.String() != "http://a" {
		t.Fatalf("expected http://a after bench, got %v", got)
	}
}

func TestPool_SuccessClearsFailures(t *testing.T) {
	pool := NewPool(Config{MaxFailures: 2, Bench: time.Hour})
	_ = pool.Add("http://a")

	a := pool.Next()
	_ = pool.Report(a, false)
	_ = pool.Report(a, true)
	_ = pool.Report(a, false)

	if got := pool.Next(); got == nil {
		t.Fatal("expected proxy to stay active after an intervening success")
	}
}

func TestPool_AllBenched(t *testing.T) {
	pool := NewPool(Config{MaxFailures: 1, Bench: time.Hour})
	_ = pool.Add("http://a")

	_ = pool.Report(pool.Next(), false)

	if u := pool.Next(); u != nil {
		t.Errorf("expected nil when all proxies benched, got %v", u)
	}
}

func TestPool_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.txt")
	content := `
# corporate egress
http://proxy1.com
proxy2.com:80

socks5://proxy3.com:1080
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write proxy file: %v", err)
	}

	pool := NewPool(Config{})
	if err := pool.LoadFile(path); err != nil {
		t.Fatalf("failed to load file: %v", err)
	}
	if pool.Len() != 3 {
		t.Fatalf("expected 3 proxies, got %d", pool.Len())
	}

	expected := []string{"http://proxy1.com", "http://proxy2.com:80", "socks5://proxy3.com:1080"}
	for _, e := range expected {
		if u := pool.Next(); u == nil || u.String() != e {
			t.Errorf("expected %s, got %v", e, u)
		}
	}
}

func TestPool_ReportUnknown(t *testing.T) {
	pool := NewPool(Config{})
	_ = pool.Add("http://a")

	unknown, _ := url.Parse("http://unknown")
	if err := pool.Report(unknown, true); !errors.Is(err, ErrUnknownProxy) {
		t.Errorf("expected ErrUnknownProxy, got %v", err)
	}
}

func TestPool_NilAndEmpty(t *testing.T) {
	var nilPool *Pool
	if nilPool.Next() != nil || nilPool.Len() != 0 {
		t.Error("nil pool should hand out nothing")
	}
	if err := nilPool.Report(&url.URL{}, false); err != nil {
		t.Errorf("nil pool Report should be a no-op, got %v", err)
	}
	if u := NewPool(Config{}).Next(); u != nil {
		t.Errorf("expected nil on empty pool, got %v", u)
	}
}

func TestFromRequest(t *testing.T) {
	u, _ := url.Parse("http://egress:3128")
	req, _ := http.NewRequestWithContext(WithProxy(context.Background(), u), http.MethodGet, "http://example.com/ads.txt", nil)

	got, err := FromRequest(req)
	if err != nil || got != u {
		t.Fatalf("expected pinned proxy, got %v, %v", got, err)
	}

	plain, _ := http.NewRequest(http.MethodGet, "http://example.com/ads.txt", nil)
	if got, _ := FromRequest(plain); got != nil {
		t.Errorf("expected no proxy, got %v", got)
	}
}
