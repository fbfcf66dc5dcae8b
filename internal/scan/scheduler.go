// Package scan drives per-tab manifest scans: an initial delayed scan after a
// tab event, a cooldown against redundant rescans, and a bounded number of
// retries while a tab keeps producing no brand lines.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/FranksOps/adscan/internal/analyzer"
	"github.com/FranksOps/adscan/internal/metrics"
	"github.com/FranksOps/adscan/internal/scraper"
)

const (
	DefaultInitialDelay  = 5 * time.Second
	DefaultRetryInterval = 5 * time.Second
	DefaultCooldown      = 60 * time.Second
	DefaultMaxRetries    = 2
	DefaultProbeTimeout  = scraper.DefaultTimeout
)

// CurrentTab addresses whichever tab is in front when publishing a count.
const CurrentTab = -1

// State is the position of a tab in the scan cycle.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateScanning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateScanning:
		return "scanning"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Outcome is how a single tick ended.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped means the cooldown suppressed the scan.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDiscarded means the tab went away or was rescheduled while the
	// scan was in flight.
	OutcomeDiscarded Outcome = "discarded"
)

// Change describes a tab update event.
type Change struct {
	URLChanged     bool
	LoadingStarted bool
}

// TabSource answers questions about the host's tabs.
type TabSource interface {
	TabURL(ctx context.Context, tabID int) (string, error)
	// ActiveTab returns the focused tab of the focused window, if any.
	ActiveTab(ctx context.Context) (int, bool)
}

// Sink receives badge counts. Calls are fire-and-forget.
type Sink interface {
	SetCount(tabID int, count int)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(tabID int, count int)

func (f SinkFunc) SetCount(tabID int, count int) { f(tabID, count) }

// BadgeText renders a count the way the badge shows it: empty for zero.
func BadgeText(count int) string {
	if count <= 0 {
		return ""
	}
	return strconv.Itoa(count)
}

// Config holds the scheduling policy. Zero durations select the defaults.
type Config struct {
	InitialDelay  time.Duration
	RetryInterval time.Duration
	Cooldown      time.Duration
	// MaxRetries is the number of rescans after a non-positive result. Zero
	// means a single scan; negative values are treated as zero.
	MaxRetries   int
	ProbeTimeout time.Duration
	Brand        analyzer.Brand
}

// Deps are the scheduler's collaborators. Probe and Tabs are required.
type Deps struct {
	Probe    ManifestProbe
	Tabs     TabSource
	Sink     Sink
	Fallback Fetcher
	Clock    Clock
	Logger   *slog.Logger
}

// Record is a read-only view of a tab's bookkeeping.
type Record struct {
	TabID         int
	Count         int
	HasCount      bool
	LastScanAt    time.Time
	LastOrigin    string
	RetryAttempts int
	State         State
	LastOutcome   Outcome
	LastScanID    string
	LastErr       error
}

type tab struct {
	Record
	gen     uint64
	timer   Timer
	// settled is the state the last completed scan left behind; a cooldown
	// skip puts it back.
	settled State
}

// Scheduler owns the per-tab scan records.
type Scheduler struct {
	cfg       Config
	inspector *Inspector
	tabSource TabSource
	sink      Sink
	clock     Clock
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tabs     map[int]*tab
	removed  map[int]struct{}
	closed   bool
	inflight sync.WaitGroup
}

// NewScheduler builds a scheduler. Call Close to stop pending timers.
func NewScheduler(cfg Config, deps Deps) *Scheduler {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	cfg.MaxRetries = max(cfg.MaxRetries, 0)
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Brand.String() == "" {
		cfg.Brand = analyzer.NewBrand(analyzer.DefaultBrand)
	}
	if deps.Sink == nil {
		deps.Sink = SinkFunc(func(int, int) {})
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg: cfg,
		inspector: &Inspector{
			Probe:    deps.Probe,
			Fallback: deps.Fallback,
			Brand:    cfg.Brand,
			Timeout:  cfg.ProbeTimeout,
			Logger:   deps.Logger,
		},
		tabSource: deps.Tabs,
		sink:      deps.Sink,
		clock:     deps.Clock,
		logger:    deps.Logger,
		ctx:       ctx,
		cancel:    cancel,
		tabs:      make(map[int]*tab),
		removed:   make(map[int]struct{}),
	}
}

// OnTabActivated pushes the tab's known count and schedules a scan.
func (s *Scheduler) OnTabActivated(tabID int) {
	count, _ := s.Count(tabID)
	s.sink.SetCount(tabID, count)
	s.ScheduleScan(tabID)
}

// OnTabUpdated invalidates the tab's count on navigation. A URL change also
// schedules a fresh scan; a load start alone returns the tab to idle until the
// URL settles.
func (s *Scheduler) OnTabUpdated(tabID int, change Change) {
	if !change.URLChanged && !change.LoadingStarted {
		return
	}

	s.mu.Lock()
	t := s.ensure(tabID)
	t.Count, t.HasCount = 0, false
	s.cancelLocked(t)
	t.gen++
	t.State, t.settled = StateIdle, StateIdle
	s.mu.Unlock()

	s.pushIfActive(s.ctx, tabID, 0)

	if change.URLChanged {
		s.ScheduleScan(tabID)
	}
}

// OnTabRemoved drops all bookkeeping for the tab. Scans in flight for it are
// discarded when they finish, and later reported results are ignored.
func (s *Scheduler) OnTabRemoved(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removed[tabID] = struct{}{}
	if t, ok := s.tabs[tabID]; ok {
		s.cancelLocked(t)
		delete(s.tabs, tabID)
		metrics.TrackedTabs.Set(float64(len(s.tabs)))
	}
}

// ScheduleScan replaces any pending timer for the tab with one that fires
// after the initial delay, and resets the retry counter.
func (s *Scheduler) ScheduleScan(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	t := s.ensure(tabID)
	s.cancelLocked(t)
	t.RetryAttempts = 0
	t.gen++
	s.armLocked(t, s.cfg.InitialDelay)
}

// Tick runs the tab's scan now, as if its timer had fired, and returns how it
// ended. A pending timer for the tab is cancelled first.
func (s *Scheduler) Tick(ctx context.Context, tabID int) Outcome {
	s.mu.Lock()
	t, ok := s.tabs[tabID]
	if !ok || s.closed {
		s.mu.Unlock()
		return OutcomeNone
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	gen := t.gen
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	return s.tick(ctx, tabID, gen)
}

// ReportResult stores a count computed elsewhere for the tab and pushes it if
// the tab is in front. Negative counts are clamped to zero. Results for a
// removed tab are dropped.
func (s *Scheduler) ReportResult(tabID, count int) {
	count = max(count, 0)

	s.mu.Lock()
	if _, gone := s.removed[tabID]; gone {
		s.mu.Unlock()
		s.logger.Debug("result for removed tab dropped", "tab", tabID, "count", count)
		return
	}
	t := s.ensure(tabID)
	t.Count, t.HasCount = count, true
	s.mu.Unlock()

	s.pushIfActive(s.ctx, tabID, count)
}

// PublishCount pushes count for the current tab without touching any record.
func (s *Scheduler) PublishCount(count int) {
	s.sink.SetCount(CurrentTab, max(count, 0))
}

// Count returns the tab's last count and whether it has one.
func (s *Scheduler) Count(tabID int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tabs[tabID]; ok && t.HasCount {
		return t.Count, true
	}
	return 0, false
}

// Record returns a copy of the tab's bookkeeping.
func (s *Scheduler) Record(tabID int) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tabs[tabID]
	if !ok {
		return Record{}, false
	}
	return t.Record, true
}

// Pending reports whether a timer is armed for the tab.
func (s *Scheduler) Pending(tabID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tabs[tabID]
	return ok && t.timer != nil
}

// Close stops every timer, cancels scans in flight and waits for them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, t := range s.tabs {
		s.cancelLocked(t)
	}
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()
}

func (s *Scheduler) ensure(tabID int) *tab {
	t, ok := s.tabs[tabID]
	if !ok {
		t = &tab{Record: Record{TabID: tabID}}
		s.tabs[tabID] = t
		delete(s.removed, tabID)
		metrics.TrackedTabs.Set(float64(len(s.tabs)))
	}
	return t
}

func (s *Scheduler) cancelLocked(t *tab) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// armLocked sets the tab's single timer. The callback only acts if the tab
// still exists and no newer schedule superseded it.
func (s *Scheduler) armLocked(t *tab, d time.Duration) {
	tabID, gen := t.TabID, t.gen
	t.State = StateScheduled

	var timer Timer
	timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.tabs[tabID]
		if s.closed || !ok || cur.gen != gen || cur.timer != timer {
			s.mu.Unlock()
			return
		}
		cur.timer = nil
		s.inflight.Add(1)
		s.mu.Unlock()

		defer s.inflight.Done()
		s.tick(s.ctx, tabID, gen)
	})
	t.timer = timer
}

func (s *Scheduler) tick(ctx context.Context, tabID int, gen uint64) Outcome {
	s.mu.Lock()
	t, ok := s.tabs[tabID]
	if !ok || t.gen != gen {
		s.mu.Unlock()
		return OutcomeDiscarded
	}
	t.State = StateScanning
	retrying := t.RetryAttempts > 0
	s.mu.Unlock()

	origin, originErr := s.origin(ctx, tabID)
	now := s.clock.Now()

	s.mu.Lock()
	if t, ok = s.tabs[tabID]; !ok || t.gen != gen {
		s.mu.Unlock()
		return OutcomeDiscarded
	}
	if !retrying && originErr == nil && s.coolingDownLocked(t, origin, now) {
		t.State = t.settled
		t.LastOutcome = OutcomeSkipped
		s.mu.Unlock()

		metrics.RecordScan(string(OutcomeSkipped), -1)
		s.logger.Debug("scan skipped by cooldown", "tab", tabID, "origin", origin, "since", now.Sub(t.LastScanAt))
		return OutcomeSkipped
	}
	t.LastScanAt = now
	t.LastOrigin = origin
	s.mu.Unlock()

	var res Inspection
	if originErr != nil {
		res = Inspection{Err: originErr}
	} else {
		res = s.inspector.Inspect(ctx, origin)
	}

	s.mu.Lock()
	if t, ok = s.tabs[tabID]; !ok || t.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("late scan result discarded", "tab", tabID, "scan_id", res.ScanID)
		return OutcomeDiscarded
	}

	outcome, state := OutcomeSucceeded, StateSucceeded
	if res.Err != nil {
		outcome, state = OutcomeFailed, StateFailed
	}
	t.State, t.settled = state, state
	t.Count, t.HasCount = res.Count, true
	t.LastOutcome = outcome
	t.LastScanID = res.ScanID
	t.LastErr = res.Err

	switch {
	case outcome == OutcomeSucceeded && res.Count > 0:
		t.RetryAttempts = 0
	case t.RetryAttempts < s.cfg.MaxRetries:
		t.RetryAttempts++
		s.armLocked(t, s.cfg.RetryInterval)
	default:
		t.RetryAttempts = 0
		t.State, t.settled = StateIdle, StateIdle
	}
	attempts := t.RetryAttempts
	s.mu.Unlock()

	metrics.RecordScan(string(outcome), res.Count)
	s.logger.Debug("scan finished",
		"tab", tabID,
		"scan_id", res.ScanID,
		"origin", origin,
		"count", res.Count,
		"outcome", outcome,
		"retry_attempts", attempts,
		"err", res.Err,
	)

	s.pushIfActive(ctx, tabID, res.Count)
	return outcome
}

func (s *Scheduler) coolingDownLocked(t *tab, origin string, now time.Time) bool {
	return t.HasCount &&
		t.LastOrigin == origin &&
		!t.LastScanAt.IsZero() &&
		now.Sub(t.LastScanAt) < s.cfg.Cooldown
}

func (s *Scheduler) origin(ctx context.Context, tabID int) (string, error) {
	raw, err := s.tabSource.TabURL(ctx, tabID)
	if err != nil {
		return "", errors.Join(ErrProbe, err)
	}
	origin, ok := analyzer.Origin(raw)
	if !ok {
		return "", errors.Join(ErrProbe, ErrUnsupportedScheme)
	}
	return origin, nil
}

func (s *Scheduler) pushIfActive(ctx context.Context, tabID, count int) {
	if active, ok := s.tabSource.ActiveTab(ctx); ok && active == tabID {
		s.sink.SetCount(tabID, count)
	}
}
