package useragent

import (
	"sync"
	"testing"
)

func TestPool_Next(t *testing.T) {
	p := NewPool([]string{"A", "B", "C"})

	for _, want := range []string{"A", "B", "C", "A"} {
		if got := p.Next(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

func TestPool_DefaultsToBrowsers(t *testing.T) {
	p := NewPool([]string{"", "   "})
	if p.Len() != len(Browsers) {
		t.Fatalf("expected %d browser UAs, got %d", len(Browsers), p.Len())
	}
	if got := p.Next(); got != Browsers[0] {
		t.Errorf("expected %s, got %s", Browsers[0], got)
	}
}

func TestPool_Fixed(t *testing.T) {
	p := Fixed("adscan/1.0")
	for i := 0; i < 3; i++ {
		if got := p.Next(); got != "adscan/1.0" {
			t.Fatalf("expected fixed UA, got %s", got)
		}
		if got := p.Random(); got != "adscan/1.0" {
			t.Fatalf("expected fixed UA from Random, got %s", got)
		}
	}
}

func TestPool_Random(t *testing.T) {
	p := NewPool([]string{"A", "B"})

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		got := p.Random()
		if got != "A" && got != "B" {
			t.Fatalf("unexpected UA: %s", got)
		}
		seen[got] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected to see both A and B, saw %v", seen)
	}
}

func TestPool_NextConcurrent(t *testing.T) {
	p := NewPool([]string{"A", "B"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ua := p.Next()
			mu.Lock()
			counts[ua]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if counts["A"] != 50 || counts["B"] != 50 {
		t.Errorf("expected an even split, got %v", counts)
	}
}
