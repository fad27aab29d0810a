// Package poll runs the availability poll cycle: scrape, extract, resolve
// subscribers, gate on the daily window, dispatch and acknowledge.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"section-notifier/metrics"
	"section-notifier/pkg/notifier"
)

const ackTimeout = 30 * time.Second

// Source produces availability snapshots.
type Source interface {
	FetchAvailability(ctx context.Context, items []notifier.ItemID) (notifier.Snapshot, error)
}

// Store is the subscription persistence used by a cycle.
type Store interface {
	Finder
	Recorder
	Items(ctx context.Context) ([]notifier.ItemID, error)
}

// State names a Monitor stage.
type State int32

const (
	Idle State = iota
	Scraping
	Extracting
	Resolving
	Gating
	Dispatching
	Acknowledging
	Sleeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scraping:
		return "scraping"
	case Extracting:
		return "extracting"
	case Resolving:
		return "resolving"
	case Gating:
		return "gating"
	case Dispatching:
		return "dispatching"
	case Acknowledging:
		return "acknowledging"
	case Sleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds Monitor settings.
type Config struct {
	Now          func() time.Time
	Location     *time.Location
	Mode         notifier.DispatchMode
	Items        []notifier.ItemID
	Interval     time.Duration
	CycleTimeout time.Duration // 0 disables the watchdog
	Concurrency  int
}

// CycleReport describes one cycle.
type CycleReport struct {
	Err               error
	Window            notifier.Window
	Duration          time.Duration
	Items             int
	Open              int
	QueryFailures     int
	Invalid           int
	EligiblePairs     int
	Messages          int
	TransportFailures int
	Accepted          int
	Rejected          int
	Written           int
	WriteFailures     int
	Abandoned         bool
}

// Monitor handles the poll loop.
type Monitor struct {
	source     Source
	store      Store
	logger     *slog.Logger
	metrics    metrics.Recorder
	resolver   *Resolver
	dispatcher *Dispatcher
	acker      *Acknowledger
	now        func() time.Time
	loc        *time.Location
	items      []notifier.ItemID
	interval   time.Duration
	timeout    time.Duration

	mu      sync.Mutex // one cycle at a time
	state   atomic.Int32
	entered func(State) // test hook
}

// New creates a new poll monitor.
func New(source Source, store Store, emailer Emailer, cfg Config, rec metrics.Recorder, logger *slog.Logger) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Monitor{
		source:     source,
		store:      store,
		logger:     logger,
		metrics:    rec,
		resolver:   NewResolver(store, cfg.Concurrency, logger),
		dispatcher: NewDispatcher(emailer, cfg.Mode, cfg.Concurrency, logger),
		acker:      NewAcknowledger(store, logger),
		now:        cfg.Now,
		loc:        cfg.Location,
		items:      cfg.Items,
		interval:   cfg.Interval,
		timeout:    cfg.CycleTimeout,
	}
}

// State returns the stage the monitor is in.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) enter(s State) {
	m.state.Store(int32(s))
	m.logger.Debug("Poll state changed", "state", s.String())
	if m.entered != nil {
		m.entered(s)
	}
}

// Run polls on the configured interval until ctx is cancelled. A failed
// cycle is logged and the loop sleeps a full interval before the next one.
func (m *Monitor) Run(ctx context.Context) error {
	if m.interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	m.logger.Info("Poll loop started", "interval", m.interval.String(), "items", len(m.items))

	for {
		if ctx.Err() != nil {
			return nil
		}
		m.runCycle(ctx, Sleeping)

		timer := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.enter(Idle)
			m.logger.Info("Poll loop stopped", "reason", context.Cause(ctx))
			return nil
		case <-timer.C:
			m.enter(Idle)
		}
	}
}

// RunCycle runs stages in order and returns to Idle. Any stage error abandons
// the cycle; errors local to one item or pair are absorbed by their stage.
func (m *Monitor) RunCycle(ctx context.Context) *CycleReport {
	return m.runCycle(ctx, Idle)
}

// runCycle leaves the monitor in next whether the cycle completes or is abandoned.
func (m *Monitor) runCycle(ctx context.Context, next State) (report *CycleReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	report = &CycleReport{Window: notifier.WindowAt(m.now(), m.loc)}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("cycle panic: %v", r)
		}
		report.Duration = time.Since(start)
		outcome := "completed"
		if report.Err != nil {
			report.Abandoned = true
			outcome = "abandoned"
			m.logger.Error("Poll cycle abandoned",
				"state", m.State().String(),
				"window", report.Window.String(),
				"duration_ms", report.Duration.Milliseconds(),
				"error", report.Err)
		} else {
			m.logger.Info("Poll cycle completed",
				"window", report.Window.String(),
				"items", report.Items,
				"open", report.Open,
				"eligible_pairs", report.EligiblePairs,
				"messages", report.Messages,
				"accepted", report.Accepted,
				"rejected", report.Rejected,
				"written", report.Written,
				"duration_ms", report.Duration.Milliseconds())
		}
		m.metrics.CycleFinished(outcome, report.Duration)
		m.enter(next)
	}()

	report.Err = m.cycle(ctx, report)
	return report
}

func (m *Monitor) cycle(ctx context.Context, report *CycleReport) error {
	items := m.trackedItems(ctx)
	report.Items = len(items)
	if len(items) == 0 {
		m.logger.Info("No items tracked, skipping cycle")
		return nil
	}

	m.enter(Scraping)
	snapshot, err := m.source.FetchAvailability(ctx, items)
	if err != nil {
		if !notifier.IsScrapeError(err) {
			err = &notifier.ScrapeError{Err: err}
		}
		return err
	}

	m.enter(Extracting)
	open := Extract(snapshot)
	report.Open = len(open)
	if len(open) == 0 {
		m.logger.Info("No open sections", "items", len(items))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("after extract: %w", err)
	}

	m.enter(Resolving)
	resolution := m.resolver.Resolve(ctx, notifier.SortedItems(open))
	report.QueryFailures = len(resolution.Failures)
	for range resolution.Failures {
		m.metrics.QueryFailed()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("after resolve: %w", err)
	}

	m.enter(Gating)
	eligible, invalid := Gate(resolution.Subscribers, report.Window)
	for _, verr := range invalid {
		m.logger.Warn("Skipping subscriber with invalid address", "address", verr.Address)
		m.metrics.InvalidAddress()
	}
	report.Invalid = len(invalid)
	result, targets := Filter(open, eligible)
	for _, addrs := range targets {
		report.EligiblePairs += len(addrs)
	}
	if len(result) == 0 {
		m.logger.Info("Open sections have no eligible subscribers", "open", len(open), "window", report.Window.String())
		return nil
	}

	m.enter(Dispatching)
	deliveries := m.dispatcher.Dispatch(ctx, result, targets)
	report.Messages = len(deliveries)
	for _, d := range deliveries {
		if d.Err != nil {
			report.TransportFailures++
			m.metrics.TransportFailed()
		}
		report.Accepted += len(d.Accepted)
		report.Rejected += len(d.Rejected)
	}
	m.metrics.Delivered(report.Accepted, report.Rejected)

	// Accepted messages are recorded even if the cycle deadline has passed.
	m.enter(Acknowledging)
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	ack := m.acker.Acknowledge(ackCtx, deliveries, report.Window)
	report.Written = ack.Written
	report.WriteFailures = len(ack.Failures)
	m.metrics.Acknowledged(ack.Written, len(ack.Failures))

	return nil
}

// trackedItems merges configured items with items that have subscriptions.
func (m *Monitor) trackedItems(ctx context.Context) []notifier.ItemID {
	set := make(map[notifier.ItemID]bool)
	for _, item := range m.items {
		set[item] = true
	}

	stored, err := m.store.Items(ctx)
	if err != nil {
		m.logger.Warn("Failed to list subscribed items, using configured items only", "error", err)
	}
	for _, item := range stored {
		set[item] = true
	}

	return notifier.SortedItems(set)
}
