package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-research/internal/metrics"
)

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.stopped.Store(true) }

type manualClock struct {
	mu      sync.Mutex
	tickers []*manualTicker
	period  time.Duration
}

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time)}
	c.tickers = append(c.tickers, t)
	c.period = d
	return t
}

func (c *manualClock) ticker(t *testing.T, i int) *manualTicker {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Greater(t, len(c.tickers), i)
	return c.tickers[i]
}

func (c *manualClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

type countingCycler struct {
	cycles  atomic.Int32
	release chan struct{}
	ctxs    chan context.Context
}

func newCountingCycler() *countingCycler {
	return &countingCycler{ctxs: make(chan context.Context, 16)}
}

func (c *countingCycler) RunCycle(ctx context.Context) (*CycleSummary, error) {
	c.cycles.Add(1)
	c.ctxs <- ctx
	if c.release != nil {
		<-c.release
	}
	return &CycleSummary{Outcome: metrics.CycleEmpty}, nil
}

func (c *countingCycler) BatchSize() int { return 5 }

func waitForCycles(t *testing.T, c *countingCycler, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return c.cycles.Load() >= n }, time.Second, 5*time.Millisecond)
}

func TestScheduler_StartRunsImmediatelyAndOnTick(t *testing.T) {
	clock := &manualClock{}
	cycler := newCountingCycler()
	s := NewScheduler(cycler, WithClock(clock), WithInterval(30*time.Second))

	require.True(t, s.Start(context.Background()))
	waitForCycles(t, cycler, 1)
	assert.Equal(t, 30*time.Second, clock.period)

	clock.ticker(t, 0).ch <- time.Now()
	waitForCycles(t, cycler, 2)

	require.True(t, s.Stop())
	s.Wait()
	assert.Equal(t, int32(2), cycler.cycles.Load())
	assert.Eventually(t, clock.ticker(t, 0).stopped.Load, time.Second, 5*time.Millisecond)
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	clock := &manualClock{}
	cycler := newCountingCycler()
	s := NewScheduler(cycler, WithClock(clock))

	require.True(t, s.Start(context.Background()))
	assert.False(t, s.Start(context.Background()))
	waitForCycles(t, cycler, 1)

	assert.Equal(t, 1, clock.count())
	require.True(t, s.Stop())
	s.Wait()
	assert.Equal(t, int32(1), cycler.cycles.Load())
}

func TestScheduler_StopWhenStopped(t *testing.T) {
	s := NewScheduler(newCountingCycler(), WithClock(&manualClock{}))
	assert.False(t, s.Stop())

	require.True(t, s.Start(context.Background()))
	require.True(t, s.Stop())
	assert.False(t, s.Stop())
	s.Wait()
}

func TestScheduler_StopLetsCycleFinish(t *testing.T) {
	clock := &manualClock{}
	cycler := newCountingCycler()
	cycler.release = make(chan struct{})
	s := NewScheduler(cycler, WithClock(clock))

	require.True(t, s.Start(context.Background()))
	ctx := <-cycler.ctxs
	assert.Equal(t, 1, s.Status().InFlight)

	require.True(t, s.Stop())
	assert.NoError(t, ctx.Err())
	assert.False(t, s.Status().Running)
	assert.Equal(t, 1, s.Status().InFlight)

	close(cycler.release)
	s.Wait()
	assert.Zero(t, s.Status().InFlight)
}

func TestScheduler_RestartAfterStop(t *testing.T) {
	clock := &manualClock{}
	cycler := newCountingCycler()
	s := NewScheduler(cycler, WithClock(clock))

	require.True(t, s.Start(context.Background()))
	require.True(t, s.Stop())
	require.True(t, s.Start(context.Background()))
	waitForCycles(t, cycler, 2)
	assert.Equal(t, 2, clock.count())

	require.True(t, s.Stop())
	s.Wait()
}

func TestScheduler_SkipIfBusy(t *testing.T) {
	clock := &manualClock{}
	cycler := newCountingCycler()
	cycler.release = make(chan struct{})
	m := metrics.New()
	s := NewScheduler(cycler, WithClock(clock), WithSkipIfBusy(true), WithSchedulerMetrics(m))

	require.True(t, s.Start(context.Background()))
	<-cycler.ctxs

	clock.ticker(t, 0).ch <- time.Now()
	require.Eventually(t, func() bool { return cycleCount(t, m, metrics.CycleSkipped) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), cycler.cycles.Load())

	close(cycler.release)
	s.Wait()

	clock.ticker(t, 0).ch <- time.Now()
	waitForCycles(t, cycler, 2)

	require.True(t, s.Stop())
	s.Wait()
}

func TestScheduler_OverlapAllowedByDefault(t *testing.T) {
	clock := &manualClock{}
	cycler := newCountingCycler()
	cycler.release = make(chan struct{})
	s := NewScheduler(cycler, WithClock(clock))

	require.True(t, s.Start(context.Background()))
	<-cycler.ctxs
	clock.ticker(t, 0).ch <- time.Now()
	<-cycler.ctxs
	assert.Equal(t, 2, s.Status().InFlight)

	require.True(t, s.Stop())
	close(cycler.release)
	s.Wait()
}

func TestScheduler_Status(t *testing.T) {
	s := NewScheduler(newCountingCycler(), WithClock(&manualClock{}), WithInterval(45*time.Second))
	assert.Equal(t, Status{Running: false, IntervalMs: 45000, BatchSize: 5}, s.Status())

	s = NewScheduler(newCountingCycler(), WithInterval(0))
	assert.Equal(t, DefaultInterval.Milliseconds(), s.Status().IntervalMs)
}
