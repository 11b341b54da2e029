package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-research/internal/metrics"
	"github.com/sells-group/lead-research/internal/model"
	"github.com/sells-group/lead-research/internal/research"
	"github.com/sells-group/lead-research/internal/store"
	"github.com/sells-group/lead-research/pkg/anthropic"
)

var baseTime = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// tickClock advances one second per reading so activity order is stable.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickClock() *tickClock { return &tickClock{t: baseTime} }

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fakeResearcher struct {
	mu    sync.Mutex
	fn    func(lead model.Lead) (*research.Outcome, error)
	leads []string
}

func (f *fakeResearcher) Research(_ context.Context, lead model.Lead) (*research.Outcome, error) {
	f.mu.Lock()
	f.leads = append(f.leads, lead.ID)
	f.mu.Unlock()
	return f.fn(lead)
}

func succeedWith(r model.ResearchResult) *fakeResearcher {
	return &fakeResearcher{fn: func(model.Lead) (*research.Outcome, error) {
		return outcome(r), nil
	}}
}

func outcome(r model.ResearchResult) *research.Outcome {
	return &research.Outcome{
		Result:      r,
		State:       research.StateDone,
		Iterations:  3,
		SearchCalls: 2,
		Turns:       6,
		AgentModel:  "claude-opus-4-1-20250805",
		AgentUsage:  anthropic.TokenUsage{InputTokens: 10000, OutputTokens: 1000},
	}
}

func ptr[T any](v T) *T { return &v }

func bakeryResult() model.ResearchResult {
	return model.ResearchResult{
		CompanyInfo: model.CompanyInfo{
			Industry:         "Bakery",
			EstimatedRevenue: ptr(1250000.0),
			EmployeeCount:    "12",
		},
		Confidence: 0.82,
		Sources:    []string{"https://acme.test"},
	}
}

func seedLead(t *testing.T, st store.Store, name string, offset time.Duration, mutate ...func(*model.Lead)) *model.Lead {
	t.Helper()
	l := model.Lead{
		BusinessName:   name,
		FirstName:      "Jane",
		LastName:       "Doe",
		Email:          name + "@example.com",
		OrganizationID: "org-1",
		CreatedAt:      baseTime.Add(offset),
	}
	for _, m := range mutate {
		m(&l)
	}
	created, err := st.CreateLead(context.Background(), l)
	require.NoError(t, err)
	return created
}

func seedAgents(t *testing.T, st store.Store, ids ...string) []model.Agent {
	t.Helper()
	agents := make([]model.Agent, len(ids))
	for i, id := range ids {
		agents[i] = model.Agent{
			ID:        id,
			Email:     id + "@agents.test",
			FirstName: "AI",
			LastName:  id,
			Type:      model.AgentTypeResearcher,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}
	}
	_, err := st.UpsertAgents(context.Background(), agents)
	require.NoError(t, err)
	return agents
}

func activityTitles(acts []model.Activity) []string {
	out := make([]string, len(acts))
	for i, a := range acts {
		out[len(acts)-1-i] = a.Title
	}
	return out
}

func activityByTitle(t *testing.T, acts []model.Activity, title string) model.Activity {
	t.Helper()
	for _, a := range acts {
		if a.Title == title {
			return a
		}
	}
	t.Fatalf("no %q activity", title)
	return model.Activity{}
}

// flakyActivityStore fails every CreateActivity after the first failAfter.
type flakyActivityStore struct {
	*store.SQLiteStore

	mu        sync.Mutex
	calls     int
	failAfter int
}

func (s *flakyActivityStore) CreateActivity(ctx context.Context, a model.Activity) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n > s.failAfter {
		return errActivityWrite
	}
	return s.SQLiteStore.CreateActivity(ctx, a)
}

func cycleCount(t *testing.T, m *metrics.Metrics, outcome string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "lead_research_cycles_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
