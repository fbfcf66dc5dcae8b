package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/adscan/internal/scraper"
	"github.com/FranksOps/adscan/internal/storage"
)

const sellersDoc = `{
	"version": "1.0",
	"sellers": [
		{"seller_id": "999", "domain": "example.com", "seller_type": "DIRECT", "name": "Example"},
		{"seller_id": 1234, "domain": "publisher.net", "seller_type": "RESELLER"}
	]
}`

// registryServer serves body with status and counts hits.
type registryServer struct {
	*httptest.Server
	mu     sync.Mutex
	status int
	body   string
	hits   atomic.Int32
	gate   chan struct{}
}

func newRegistryServer(t *testing.T, body string) *registryServer {
	t.Helper()
	rs := &registryServer{status: http.StatusOK, body: body}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		rs.mu.Lock()
		status, body, gate := rs.status, rs.body, rs.gate
		rs.mu.Unlock()
		if gate != nil {
			<-gate
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *registryServer) set(status int, body string) {
	rs.mu.Lock()
	rs.status, rs.body = status, body
	rs.mu.Unlock()
}

func newTestFetcher(t *testing.T) *scraper.Fetcher {
	t.Helper()
	f, err := scraper.NewFetcher(scraper.FetchConfig{
		Timeout: 2 * time.Second,
		Retries: 0,
		Backoff: -1,
	})
	if err != nil {
		t.Fatalf("failed to create fetcher: %v", err)
	}
	return f
}

func TestCache_GetEmptyTriggersBackgroundRefresh(t *testing.T) {
	rs := newRegistryServer(t, sellersDoc)
	c := New(Config{URL: rs.URL}, newTestFetcher(t), nil, nil)

	snap := c.Get(context.Background())
	if len(snap.Sellers) != 0 || !snap.FetchedAt.IsZero() {
		t.Fatalf("expected empty snapshot before first refresh, got %+v", snap)
	}

	c.Wait()

	snap = c.Get(context.Background())
	if len(snap.Sellers) != 2 {
		t.Fatalf("expected 2 sellers after background refresh, got %d", len(snap.Sellers))
	}
	if snap.Sellers[1].SellerID != "1234" {
		t.Errorf("numeric seller_id not decoded, got %q", snap.Sellers[1].SellerID)
	}
	if rs.hits.Load() != 1 {
		t.Errorf("expected a single registry fetch, got %d", rs.hits.Load())
	}
}

func TestCache_GetFreshDoesNotFetch(t *testing.T) {
	rs := newRegistryServer(t, sellersDoc)
	now := time.Unix(1_700_000_000, 0)
	c := New(Config{URL: rs.URL, TTL: time.Hour, Now: func() time.Time { return now }}, newTestFetcher(t), nil, nil)

	if _, err := c.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	now = now.Add(30 * time.Minute)
	c.Get(context.Background())
	c.Wait()
	if rs.hits.Load() != 1 {
		t.Fatalf("fresh snapshot should not refetch, hits=%d", rs.hits.Load())
	}

	now = now.Add(31 * time.Minute)
	c.Get(context.Background())
	c.Wait()
	if rs.hits.Load() != 2 {
		t.Fatalf("stale snapshot should refetch once, hits=%d", rs.hits.Load())
	}
}

func TestCache_ConcurrentStaleReadsCollapse(t *testing.T) {
	rs := newRegistryServer(t, sellersDoc)
	gate := make(chan struct{})
	rs.mu.Lock()
	rs.gate = gate
	rs.mu.Unlock()

	c := New(Config{URL: rs.URL}, newTestFetcher(t), nil, nil)
	for i := 0; i < 10; i++ {
		c.Get(context.Background())
	}
	close(gate)
	c.Wait()

	if got := rs.hits.Load(); got != 1 {
		t.Errorf("expected stale reads to share one fetch, got %d", got)
	}
}

func TestCache_ForcedRefresh(t *testing.T) {
	rs := newRegistryServer(t, sellersDoc)
	c := New(Config{URL: rs.URL}, newTestFetcher(t), nil, nil)

	start := time.Now()
	sellers, err := c.Refresh(context.Background(), true)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(sellers) != 2 {
		t.Fatalf("expected 2 sellers, got %d", len(sellers))
	}

	snap := c.Get(context.Background())
	if len(snap.Sellers) != 2 || snap.FetchedAt.Before(start) {
		t.Errorf("snapshot not replaced: %+v (start %v)", snap, start)
	}
	if c.LastError() != nil {
		t.Errorf("expected no last error, got %v", c.LastError())
	}
}

func TestCache_FailedRefreshKeepsSnapshot(t *testing.T) {
	rs := newRegistryServer(t, sellersDoc)
	c := New(Config{URL: rs.URL}, newTestFetcher(t), nil, nil)

	if _, err := c.Refresh(context.Background(), true); err != nil {
		t.Fatalf("initial refresh failed: %v", err)
	}
	before := c.Get(context.Background())

	rs.set(http.StatusInternalServerError, "oops")
	_, err := c.Refresh(context.Background(), true)
	if err == nil {
		t.Fatal("expected refresh error on 500")
	}
	var statusErr *scraper.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected HTTPStatusError 500, got %v", err)
	}

	after := c.Get(context.Background())
	if len(after.Sellers) != len(before.Sellers) || !after.FetchedAt.Equal(before.FetchedAt) {
		t.Errorf("snapshot changed after failed refresh: before %+v after %+v", before, after)
	}
	if c.LastError() == nil {
		t.Error("expected LastError to record the failure")
	}

	// Invalid JSON also fails without touching the snapshot.
	rs.set(http.StatusOK, "{not json")
	if _, err := c.Refresh(context.Background(), true); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if got := c.Get(context.Background()); len(got.Sellers) != 2 {
		t.Errorf("snapshot changed after invalid JSON: %+v", got)
	}
}

func TestCache_MalformedShapeDegradesToEmpty(t *testing.T) {
	for name, body := range map[string]string{
		"missing sellers": `{"version":"1.0"}`,
		"sellers object":  `{"sellers":{"seller_id":"1"}}`,
		"top-level array": `[{"seller_id":"1"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			rs := newRegistryServer(t, body)
			c := New(Config{URL: rs.URL}, newTestFetcher(t), nil, nil)

			sellers, err := c.Refresh(context.Background(), true)
			if err != nil {
				t.Fatalf("malformed shape should not fail the refresh: %v", err)
			}
			if len(sellers) != 0 {
				t.Errorf("expected empty list, got %v", sellers)
			}
			if c.Get(context.Background()).FetchedAt.IsZero() {
				t.Error("expected snapshot timestamp to be set")
			}
		})
	}
}

func TestCache_PersistAndLoad(t *testing.T) {
	rs := newRegistryServer(t, sellersDoc)
	store := storage.NewMemory()
	ctx := context.Background()

	c := New(Config{URL: rs.URL}, newTestFetcher(t), store, nil)
	if _, err := c.Refresh(ctx, true); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	fetchedAt := c.Get(ctx).FetchedAt

	items, _ := store.Get(ctx, KeySellers, KeyFetchedAt)
	if len(items) != 2 {
		t.Fatalf("expected snapshot persisted under both keys, got %v", items)
	}

	restored := New(Config{URL: rs.URL}, newTestFetcher(t), store, nil)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	snap := restored.Get(ctx)
	if len(snap.Sellers) != 2 || snap.Sellers[0].Domain != "example.com" {
		t.Errorf("unexpected restored sellers %+v", snap.Sellers)
	}
	if snap.FetchedAt.UnixMilli() != fetchedAt.UnixMilli() {
		t.Errorf("expected fetched_at %v, got %v", fetchedAt, snap.FetchedAt)
	}
}

func TestCache_SetURL(t *testing.T) {
	first := newRegistryServer(t, sellersDoc)
	second := newRegistryServer(t, `{"sellers":[{"seller_id":"5","domain":"other.org","seller_type":"DIRECT"}]}`)
	store := storage.NewMemory()
	ctx := context.Background()

	c := New(Config{URL: first.URL}, newTestFetcher(t), store, nil)
	if err := c.SetURL(ctx, "ftp://nope"); err == nil {
		t.Fatal("expected non-http url to be rejected")
	}
	if err := c.SetURL(ctx, second.URL); err != nil {
		t.Fatalf("SetURL failed: %v", err)
	}

	sellers, err := c.Refresh(ctx, true)
	if err != nil || len(sellers) != 1 || sellers[0].Domain != "other.org" {
		t.Fatalf("expected refresh from new url, got %v, %v", sellers, err)
	}

	// The custom URL survives a restart.
	restored := New(Config{URL: first.URL}, newTestFetcher(t), store, nil)
	if err := restored.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if restored.URL() != second.URL {
		t.Errorf("expected persisted url %s, got %s", second.URL, restored.URL())
	}

	// Empty restores the configured default.
	if err := restored.UseURL(""); err != nil || restored.URL() != first.URL {
		t.Errorf("expected default url restored, got %s, %v", restored.URL(), err)
	}
}

func TestCache_Match(t *testing.T) {
	rs := newRegistryServer(t, sellersDoc)
	c := New(Config{URL: rs.URL}, newTestFetcher(t), nil, nil)
	if _, err := c.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	matched := c.Match(map[string]struct{}{"999": {}, "42": {}})
	if len(matched) != 1 {
		t.Fatalf("expected exactly one match, got %v", matched)
	}
	if got := matched[0].String(); got != "example.com (999) — DIRECT" {
		t.Errorf("unexpected rendering %q", got)
	}

	if c.Match(nil) != nil {
		t.Error("expected no matches for empty id set")
	}
}

func TestSeller_UnmarshalLenientID(t *testing.T) {
	sellers, err := parseDocument([]byte(`{"sellers":[{"seller_id":" 77 "},{"seller_id":88},{"seller_id":null},"junk"]}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for the junk entry, got %v", err)
	}
	want := []string{"77", "88", ""}
	if len(sellers) != len(want) {
		t.Fatalf("expected %d sellers, got %+v", len(want), sellers)
	}
	for i, w := range want {
		if sellers[i].SellerID != w {
			t.Errorf("seller %d: expected id %q, got %q", i, w, sellers[i].SellerID)
		}
	}
}
