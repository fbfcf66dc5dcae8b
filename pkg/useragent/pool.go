package useragent

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync/atomic"
)

// Browsers lists current desktop browser User-Agents. Manifest fetches stand
// in for requests a page would make itself, so they present as a browser.
var Browsers = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
}

// Pool hands out User-Agent strings round-robin or at random.
type Pool struct {
	uas     []string
	counter atomic.Uint64
}

// NewPool creates a pool from uas, skipping blank entries. An empty result
// falls back to Browsers.
func NewPool(uas []string) *Pool {
	cleaned := make([]string, 0, len(uas))
	for _, ua := range uas {
		if ua = strings.TrimSpace(ua); ua != "" {
			cleaned = append(cleaned, ua)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, Browsers...)
	}
	return &Pool{uas: cleaned}
}

// Fixed returns a pool that always yields ua.
func Fixed(ua string) *Pool {
	return NewPool([]string{ua})
}

// Next returns the next User-Agent in round-robin order. Safe for concurrent use.
func (p *Pool) Next() string {
	idx := p.counter.Add(1) - 1
	return p.uas[idx%uint64(len(p.uas))]
}

// Random returns a User-Agent chosen with crypto/rand, falling back to Next
// if the random source fails.
func (p *Pool) Random() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(p.uas))))
	if err != nil {
		return p.Next()
	}
	return p.uas[n.Int64()]
}

// Len reports the number of User-Agents in the pool.
func (p *Pool) Len() int { return len(p.uas) }
