package bridge

import (
	"log/slog"
	"sync"

	"github.com/FranksOps/adscan/internal/scan"
)

// Badge holds the count currently shown to the user. It is the scheduler's
// sink when the presentation side polls instead of being pushed to.
type Badge struct {
	mu     sync.RWMutex
	tabID  int
	count  int
	logger *slog.Logger
}

// NewBadge returns an empty badge.
func NewBadge(logger *slog.Logger) *Badge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Badge{tabID: scan.CurrentTab, logger: logger}
}

func (b *Badge) SetCount(tabID int, count int) {
	b.mu.Lock()
	b.tabID, b.count = tabID, count
	b.mu.Unlock()

	b.logger.Debug("badge updated", "tab", tabID, "text", scan.BadgeText(count))
}

// Current returns the tab the badge was last set for and its count.
func (b *Badge) Current() (tabID, count int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tabID, b.count
}
