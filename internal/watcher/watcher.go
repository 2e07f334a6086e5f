// Package watcher implements the background enrollment watcher. It polls the
// host's enrollment fingerprint and revokes every enrollment-bound key when
// the enrolled credential set changes, so later decryptions take the
// unrecoverable-key path instead of silently using stale keys. It runs
// independently from the app Service to keep lifecycle concerns out of the
// request path.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Counter and summary names emitted by the Watcher.
const (
	CounterEnrollmentChanges   = "enrollment_changes_total"
	SummaryInvalidatedPerCycle = "watcher_invalidated_per_cycle"
)

// EnrollmentSource reports the current enrollment fingerprint.
type EnrollmentSource interface {
	EnrollmentState(ctx context.Context) (string, error)
}

// Invalidator revokes enrollment-bound keys. keystore.Registry satisfies it.
type Invalidator interface {
	InvalidateAll(ctx context.Context) (int, error)
}

// ExternalMetrics receives counters and per-cycle observations. It is
// optional; metrics.Manager satisfies it.
type ExternalMetrics interface {
	Inc(name string, delta int64)
	Observe(name string, v int64)
}

// Config holds tunables for the Watcher.
type Config struct {
	Interval time.Duration // how often a cycle begins
	Logger   *slog.Logger  // optional logger (defaults to slog.Default())
}

// Metrics accumulates counters in memory for operational insight.
type Metrics struct {
	mu                  sync.Mutex
	Cycles              uint64
	Changes             uint64
	Invalidated         uint64
	Errors              uint64
	CycleLastDurationMS int64
}

// MetricsView is a read-only snapshot safe to copy.
type MetricsView struct {
	Cycles              uint64
	Changes             uint64
	Invalidated         uint64
	Errors              uint64
	CycleLastDurationMS int64
}

func (m *Metrics) addChange(invalidated int) {
	m.mu.Lock()
	m.Changes++
	if invalidated > 0 {
		m.Invalidated += uint64(invalidated)
	}
	m.mu.Unlock()
}

func (m *Metrics) addError() {
	m.mu.Lock()
	m.Errors++
	m.mu.Unlock()
}

func (m *Metrics) recordCycle(d time.Duration) {
	m.mu.Lock()
	m.Cycles++
	m.CycleLastDurationMS = d.Milliseconds()
	m.mu.Unlock()
}

// Watcher encapsulates the polling loop.
type Watcher struct {
	source  EnrollmentSource
	keys    Invalidator
	ext     ExternalMetrics
	cfg     Config
	metrics *Metrics

	mu     sync.Mutex
	last   string
	primed bool

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Watcher. ext may be nil.
func New(source EnrollmentSource, keys Invalidator, ext ExternalMetrics, cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		source:  source,
		keys:    keys,
		ext:     ext,
		cfg:     cfg,
		metrics: &Metrics{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start records the current fingerprint as the baseline and launches the
// loop in a new goroutine.
func (w *Watcher) Start(ctx context.Context) {
	if w.ticker != nil {
		return
	} // already started
	if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.cfg.Logger.With("domain", "watcher").Error("baseline", "error", err)
	}
	w.ticker = time.NewTicker(w.cfg.Interval)
	go w.loop(ctx)
}

// Stop signals the loop to exit and waits for completion.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	if w.ticker == nil {
		return
	}
	<-w.doneCh
}

// MetricsSnapshot returns a copy of current metrics.
func (w *Watcher) MetricsSnapshot() MetricsView {
	w.metrics.mu.Lock()
	defer w.metrics.mu.Unlock()
	return MetricsView{
		Cycles:              w.metrics.Cycles,
		Changes:             w.metrics.Changes,
		Invalidated:         w.metrics.Invalidated,
		Errors:              w.metrics.Errors,
		CycleLastDurationMS: w.metrics.CycleLastDurationMS,
	}
}

func (w *Watcher) loop(ctx context.Context) {
	log := w.cfg.Logger.With("domain", "watcher")
	defer func() {
		w.ticker.Stop()
		close(w.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("watcher stop", "reason", "context_cancel")
			return
		case <-w.stopCh:
			log.Info("watcher stop", "reason", "stop_signal")
			return
		case <-w.ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("cycle", "error", err)
			}
		}
	}
}

// RunOnce performs one poll. The first successful poll only records the
// baseline. When the fingerprint differs from the last one seen, every
// enrollment-bound key is invalidated and the count returned. A failed
// invalidation keeps the old baseline so the next cycle retries.
func (w *Watcher) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { w.metrics.recordCycle(time.Since(start)) }()
	log := w.cfg.Logger.With("domain", "watcher", "action", "cycle")

	state, err := w.source.EnrollmentState(ctx)
	if err != nil {
		w.metrics.addError()
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.primed {
		w.last, w.primed = state, true
		log.Debug("baseline recorded")
		return 0, nil
	}
	if state == w.last {
		w.observe(0)
		return 0, nil
	}
	n, err := w.keys.InvalidateAll(ctx)
	if err != nil {
		w.metrics.addError()
		return 0, err
	}
	w.last = state
	w.metrics.addChange(n)
	if w.ext != nil {
		w.ext.Inc(CounterEnrollmentChanges, 1)
	}
	w.observe(n)
	log.Info("enrollment changed", "invalidated", n, "ms", time.Since(start).Milliseconds())
	return n, nil
}

func (w *Watcher) observe(n int) {
	if w.ext != nil {
		w.ext.Observe(SummaryInvalidatedPerCycle, int64(n))
	}
}
