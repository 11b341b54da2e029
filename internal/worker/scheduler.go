package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-research/internal/metrics"
)

// DefaultInterval is the time between dispatch cycles.
const DefaultInterval = 45 * time.Second

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock creates tickers. Tests substitute a manual clock.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

type realClock struct{}

type realTicker struct{ t *time.Ticker }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }
func (t realTicker) C() <-chan time.Time          { return t.t.C }
func (t realTicker) Stop()                        { t.t.Stop() }

// Cycler runs one dispatch cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (*CycleSummary, error)
	BatchSize() int
}

// Status is the scheduler state reported to operators.
type Status struct {
	Running    bool  `json:"running"`
	IntervalMs int64 `json:"intervalMs"`
	BatchSize  int   `json:"batchSize"`
	InFlight   int   `json:"inFlight"`
}

// Scheduler runs a cycle immediately on Start and then once per interval
// until Stop. Stop never cancels a cycle already running.
type Scheduler struct {
	cycler     Cycler
	interval   time.Duration
	skipIfBusy bool
	clock      Clock
	metrics    *metrics.Metrics

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	ctx     context.Context

	inFlight atomic.Int32
	wg       sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the cycle period.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSkipIfBusy skips a tick while an earlier cycle is still running.
func WithSkipIfBusy(skip bool) SchedulerOption {
	return func(s *Scheduler) { s.skipIfBusy = skip }
}

// WithClock replaces the ticker source.
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithSchedulerMetrics records skipped ticks.
func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(cycler Cycler, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		cycler:   cycler,
		interval: DefaultInterval,
		clock:    realClock{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins scheduling. Cycles run with ctx, which Stop does not cancel.
// It reports false when the scheduler was already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		zap.L().Info("research worker already running")
		return false
	}
	s.running = true
	s.ctx = ctx
	s.stop = make(chan struct{})
	ticker := s.clock.NewTicker(s.interval)
	go s.loop(ticker, s.stop)
	s.mu.Unlock()

	zap.L().Info("starting research worker",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.cycler.BatchSize()),
		zap.Bool("skip_if_busy", s.skipIfBusy),
	)
	s.fire()
	return true
}

// Stop prevents future cycles. It reports false when the scheduler was not
// running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.running = false
	close(s.stop)
	zap.L().Info("research worker stopped")
	return true
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return Status{
		Running:    running,
		IntervalMs: s.interval.Milliseconds(),
		BatchSize:  s.cycler.BatchSize(),
		InFlight:   int(s.inFlight.Load()),
	}
}

// Wait blocks until every started cycle has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(t Ticker, stop <-chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			s.fire()
		}
	}
}

// fire starts a cycle in the background unless the scheduler is stopped or,
// with skipIfBusy, a cycle is still running.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	if s.skipIfBusy && s.inFlight.Load() > 0 {
		s.mu.Unlock()
		zap.L().Warn("previous research cycle still running, skipping tick")
		s.metrics.ObserveCycle(metrics.CycleSkipped, 0)
		return
	}
	s.inFlight.Add(1)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)

		if _, err := s.cycler.RunCycle(ctx); err != nil {
			zap.L().Error("research cycle failed", zap.Error(err))
		}
	}()
}
