package worker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-research/internal/metrics"
	"github.com/sells-group/lead-research/internal/model"
	"github.com/sells-group/lead-research/internal/store"
)

// DefaultBatchSize is the number of leads picked up per cycle.
const DefaultBatchSize = 5

// LeadRunner researches one lead as one agent.
type LeadRunner interface {
	Run(ctx context.Context, lead model.Lead, agent model.Agent, cycleID string) error
}

// Assignment pairs a lead with the agent that researches it.
type Assignment struct {
	Lead  model.Lead
	Agent model.Agent
}

// Assign gives lead i to pool[i mod len(pool)]. It returns nil for an
// empty pool.
func Assign(leads []model.Lead, pool []model.Agent) []Assignment {
	if len(pool) == 0 {
		return nil
	}
	out := make([]Assignment, len(leads))
	for i, l := range leads {
		out[i] = Assignment{Lead: l, Agent: pool[i%len(pool)]}
	}
	return out
}

// CycleSummary reports what one dispatch cycle did.
type CycleSummary struct {
	CycleID    string        `json:"cycle_id"`
	Outcome    string        `json:"outcome"`
	Leads      int           `json:"leads"`
	Agents     int           `json:"agents"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// Dispatcher runs one poll-assign-run cycle at a time.
type Dispatcher struct {
	store      store.Store
	runner     LeadRunner
	batchSize  int
	agentTypes []model.AgentType
	metrics    *metrics.Metrics
	now        func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBatchSize sets how many pending leads a cycle picks up.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithAgentTypes restricts the agent pool to the given types.
func WithAgentTypes(types []model.AgentType) DispatcherOption {
	return func(d *Dispatcher) {
		if len(types) > 0 {
			d.agentTypes = types
		}
	}
}

// WithDispatcherMetrics records cycle outcomes.
func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherClock replaces time.Now.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.Store, runner LeadRunner, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:      st,
		runner:     runner,
		batchSize:  DefaultBatchSize,
		agentTypes: model.ResearchAgentTypes,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// BatchSize returns the configured batch size.
func (d *Dispatcher) BatchSize() int { return d.batchSize }

// RunCycle picks up the oldest pending leads, assigns them round robin to
// the agent pool and researches them concurrently. A failing lead never
// affects its siblings. An error is returned only when the cycle could not
// start.
func (d *Dispatcher) RunCycle(ctx context.Context) (*CycleSummary, error) {
	start := d.now()
	summary := &CycleSummary{CycleID: newCycleID(start)}
	log := zap.L().With(zap.String("cycle_id", summary.CycleID))
	log.Info("starting research cycle")

	finish := func(outcome string) *CycleSummary {
		summary.Outcome = outcome
		summary.Duration = d.now().Sub(start)
		d.metrics.ObserveCycle(outcome, summary.Duration)
		return summary
	}

	leads, err := d.store.ListPendingLeads(ctx, d.batchSize)
	if err != nil {
		finish(metrics.CycleError)
		return summary, eris.Wrap(err, "worker: list pending leads")
	}
	summary.Leads = len(leads)
	if len(leads) == 0 {
		log.Info("no leads found for research")
		return finish(metrics.CycleEmpty), nil
	}

	pool, err := d.store.ListAgents(ctx, d.agentTypes)
	if err != nil {
		finish(metrics.CycleError)
		return summary, eris.Wrap(err, "worker: list agents")
	}
	summary.Agents = len(pool)
	if len(pool) == 0 {
		log.Error("no AI agents found for research", zap.Int("pending", len(leads)))
		return finish(metrics.CycleNoAgents), nil
	}

	log.Info("found leads for research", zap.Int("leads", len(leads)), zap.Int("agents", len(pool)))

	var ok, failed atomic.Int32
	var g errgroup.Group
	for _, as := range Assign(leads, pool) {
		g.Go(func() error {
			if err := d.runOne(ctx, as, summary.CycleID); err != nil {
				failed.Add(1)
			} else {
				ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Successful = int(ok.Load())
	summary.Failed = int(failed.Load())
	finish(metrics.CycleCompleted)

	log.Info("research cycle completed",
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// runOne isolates a single lead. Runner recovers its own panics; this is
// the guard for other LeadRunner implementations.
func (d *Dispatcher) runOne(ctx context.Context, as Assignment, cycleID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("worker: runner panic: %v", p)
			zap.L().Error("lead runner panicked",
				zap.String("cycle_id", cycleID),
				zap.String("lead_id", as.Lead.ID),
				zap.Any("panic", p),
			)
		}
	}()
	return d.runner.Run(ctx, as.Lead, as.Agent, cycleID)
}

func newCycleID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("cycle_%d_%s", t.UnixMilli(), suffix)
}
