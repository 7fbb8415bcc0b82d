package sla

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/slaengine/internal/logger"
)

var errScannerStarted = errors.New("sla: scanner already started")

// Firer fires a single timer.
type Firer interface {
	Fire(ctx context.Context, t Timer) (FiringResult, error)
}

// ScannerConfig tunes the scan loop.
type ScannerConfig struct {
	Interval    time.Duration
	TickTimeout time.Duration
	// Concurrency bounds how many timers of one tick fire in parallel.
	Concurrency int
}

// TickStats summarizes one tick.
type TickStats struct {
	Due          int
	Fired        int
	AlreadyFired int
	Failed       int
}

func (s *TickStats) add(r FiringResult) {
	switch r {
	case Fired:
		s.Fired++
	case AlreadyFired:
		s.AlreadyFired++
	default:
		s.Failed++
	}
}

// every is a fixed-delay cron schedule; cron.Every rounds to whole seconds.
type every time.Duration

func (d every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// Scanner periodically finds due timers and fires each of them. Ticks of one
// scanner never overlap; scanners on other instances are only coordinated
// through Store.TryMarkFired.
type Scanner struct {
	store   Store
	firer   Firer
	cfg     ScannerConfig
	now     func() time.Time
	cron    *cron.Cron
	running atomic.Bool
	started atomic.Bool
	base    context.Context
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithScannerClock replaces the clock used as "now" for FindDue.
func WithScannerClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) { s.now = now }
}

func NewScanner(store Store, firer Firer, cfg ScannerConfig, opts ...ScannerOption) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}

	cronLog := logger.NewCronLogger(logger.Logger())
	s := &Scanner{
		store: store,
		firer: firer,
		cfg:   cfg,
		now:   time.Now,
		cron:  cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog))),
		base:  context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules ticks every Interval. ctx carries values (logger) into
// ticks; cancel it together with Stop.
func (s *Scanner) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errScannerStarted
	}

	s.base = logger.With(ctx, "component", "sla-scanner")
	s.cron.Schedule(every(s.cfg.Interval), cron.FuncJob(s.runScheduled))
	s.cron.Start()

	logger.InfoKV(s.base, "sla scanner started",
		"interval", s.cfg.Interval, "concurrency", s.cfg.Concurrency)

	return nil
}

// Stop stops scheduling and waits for an in-flight tick, or for ctx.
func (s *Scanner) Stop(ctx context.Context) error {
	done := s.cron.Stop()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight scan tick: %w", ctx.Err())
	}
}

func (s *Scanner) runScheduled() {
	// Shutdown must not cut a tick short, so the tick is detached from the
	// base context's cancellation and bounded by its own timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.base), s.cfg.TickTimeout)
	defer cancel()

	stats, err := s.Tick(ctx)
	switch {
	case errors.Is(err, ErrTickInProgress):
		logger.DebugKV(ctx, "previous scan tick still running, skipped")
	case err != nil:
		logger.WarnKV(ctx, "scan tick aborted", "error", err)
	case stats.Due > 0:
		logger.InfoKV(ctx, "scan tick finished",
			"due", stats.Due, "fired", stats.Fired,
			"already_fired", stats.AlreadyFired, "failed", stats.Failed)
	}
}

// Tick runs one scan: FindDue, then Fire for every due timer. A failure or
// panic on one timer never affects the others. It returns ErrTickInProgress
// when another tick of this scanner is running.
func (s *Scanner) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	if !s.running.CompareAndSwap(false, true) {
		ticksTotal.WithLabelValues("skipped").Inc()
		return stats, ErrTickInProgress
	}
	defer s.running.Store(false)

	start := time.Now()

	timers, err := s.store.FindDue(ctx, s.now())
	if err != nil {
		ticksTotal.WithLabelValues("store_error").Inc()
		return stats, fmt.Errorf("find due timers: %w", err)
	}
	stats.Due = len(timers)
	dueTimers.Set(float64(len(timers)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)

	for _, t := range timers {
		g.Go(func() error {
			res := s.fireOne(ctx, t)
			mu.Lock()
			stats.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	ticksTotal.WithLabelValues("completed").Inc()
	tickDuration.Observe(time.Since(start).Seconds())

	return stats, nil
}

func (s *Scanner) fireOne(ctx context.Context, t Timer) (res FiringResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorKV(ctx, "panic while firing timer", "timer_id", t.ID, "panic", r)
			res = Failed
		}
	}()

	res, err := s.firer.Fire(ctx, t)
	if err != nil {
		if res == Fired {
			logger.ErrorKV(ctx, "timer fired but delivery was not recorded", "timer_id", t.ID, "error", err)
		} else {
			logger.WarnKV(ctx, "timer firing skipped, retrying next tick", "timer_id", t.ID, "error", err)
		}
	}

	return res
}
