package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownTab is returned for tabs the directory has not seen.
var ErrUnknownTab = errors.New("bridge: unknown tab")

// Tabs is an in-memory view of the host's tabs, fed by lifecycle messages.
// It answers the scheduler's tab queries.
type Tabs struct {
	mu        sync.RWMutex
	urls      map[int]string
	active    int
	hasActive bool
}

// NewTabs returns an empty directory.
func NewTabs() *Tabs {
	return &Tabs{urls: make(map[int]string)}
}

// Set records the tab's URL and reports whether it changed.
func (t *Tabs) Set(tabID int, url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.urls[tabID]
	t.urls[tabID] = url
	return !ok || prev != url
}

// Activate marks the tab as the focused one.
func (t *Tabs) Activate(tabID int) {
	t.mu.Lock()
	t.active, t.hasActive = tabID, true
	t.mu.Unlock()
}

// Remove forgets the tab.
func (t *Tabs) Remove(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.urls, tabID)
	if t.hasActive && t.active == tabID {
		t.hasActive = false
	}
}

func (t *Tabs) TabURL(_ context.Context, tabID int) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	u, ok := t.urls[tabID]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownTab, tabID)
	}
	return u, nil
}

func (t *Tabs) ActiveTab(_ context.Context) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active, t.hasActive
}
