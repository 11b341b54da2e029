package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-research/internal/model"
)

// ErrNotFound is returned when a lead or agent does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface the research orchestrator consumes.
type Store interface {
	// Leads
	ListPendingLeads(ctx context.Context, limit int) ([]model.Lead, error)
	GetLead(ctx context.Context, leadID string) (*model.Lead, error)
	CreateLead(ctx context.Context, lead model.Lead) (*model.Lead, error)
	MarkInProgress(ctx context.Context, leadID, agentID string, at time.Time) error
	CompleteResearch(ctx context.Context, leadID string, update model.ResearchUpdate) error
	FailResearch(ctx context.Context, leadID string) error
	RequeueLead(ctx context.Context, leadID string) error
	CountByResearchStatus(ctx context.Context) (map[model.ResearchStatus]int, error)

	// Agents
	ListAgents(ctx context.Context, types []model.AgentType) ([]model.Agent, error)
	UpsertAgents(ctx context.Context, agents []model.Agent) (int64, error)

	// Activities
	CreateActivity(ctx context.Context, activity model.Activity) error
	ListActivities(ctx context.Context, leadID string, limit int) ([]model.Activity, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func agentTypeStrings(types []model.AgentType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
