package metrics

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-research/internal/model"
)

// StatusCounter is the store query the collector needs.
type StatusCounter interface {
	CountByResearchStatus(ctx context.Context) (map[model.ResearchStatus]int, error)
}

// Snapshot is a point-in-time view of the lead queue.
type Snapshot struct {
	Counts      map[model.ResearchStatus]int `json:"counts"`
	Total       int                          `json:"total"`
	FailRate    float64                      `json:"fail_rate"`
	CollectedAt time.Time                    `json:"collected_at"`
}

// Collector reads lead status counts from the store into the lead gauge.
type Collector struct {
	store   StatusCounter
	metrics *Metrics
}

// NewCollector creates a collector.
func NewCollector(store StatusCounter, m *Metrics) *Collector {
	return &Collector{store: store, metrics: m}
}

// Collect queries the store and updates the gauge.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	counts, err := c.store.CountByResearchStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "metrics: count leads by status")
	}

	snap := &Snapshot{Counts: counts, CollectedAt: time.Now().UTC()}
	for _, n := range counts {
		snap.Total += n
	}
	completed := counts[model.ResearchStatusCompleted]
	failed := counts[model.ResearchStatusFailed]
	if finished := completed + failed; finished > 0 {
		snap.FailRate = float64(failed) / float64(finished)
	}

	c.metrics.SetLeadCounts(counts)
	return snap, nil
}

// Run collects every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "metrics.collector"))
	log.Info("starting lead status collector", zap.Duration("interval", interval))

	c.collect(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("lead status collector stopped")
			return
		case <-ticker.C:
			c.collect(ctx, log)
		}
	}
}

func (c *Collector) collect(ctx context.Context, log *zap.Logger) {
	snap, err := c.Collect(ctx)
	if err != nil {
		log.Error("metrics: failed to collect lead counts", zap.Error(err))
		return
	}
	log.Debug("metrics: lead counts collected",
		zap.Int("total", snap.Total),
		zap.Float64("fail_rate", snap.FailRate),
	)
}
