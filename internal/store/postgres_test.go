package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-research/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var leadRowColumns = []string{
	"id", "organization_id", "first_name", "last_name", "business_name", "email", "phone", "industry",
	"monthly_revenue", "research_status", "research_data", "researched_at", "assigned_to_id",
	"assigned_at", "created_at", "updated_at",
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS users`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPendingLeads(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	revenue := 5000.0

	rows := mock.NewRows(leadRowColumns).
		AddRow("lead-1", "org-1", "Jane", "Doe", "Acme", "jane@acme.io", "", "",
			(*float64)(nil), "PENDING", []byte(nil), (*time.Time)(nil), "", (*time.Time)(nil), created, created).
		AddRow("lead-2", "", "", "", "Beta", "", "", "Retail",
			&revenue, "PENDING", []byte(`{"confidence":0.4,"sources":[]}`), &created, "agent-9", &created, created, created)

	mock.ExpectQuery(`FROM leads\s+WHERE research_status = 'PENDING'\s+ORDER BY created_at ASC`).
		WithArgs(5).
		WillReturnRows(rows)

	leads, err := s.ListPendingLeads(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, "lead-1", leads[0].ID)
	assert.Equal(t, model.ResearchStatusPending, leads[0].ResearchStatus)
	assert.Nil(t, leads[0].MonthlyRevenue)
	assert.Nil(t, leads[0].ResearchData)
	assert.Equal(t, "Retail", leads[1].Industry)
	require.NotNil(t, leads[1].ResearchData)
	assert.Equal(t, 0.4, leads[1].ResearchData.Confidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPendingLeads_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM leads`).WithArgs(100).WillReturnError(errors.New("connection refused"))

	_, err := s.ListPendingLeads(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: list pending leads")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLead_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM leads WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetLead(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkInProgress(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectExec(`UPDATE leads\s+SET research_status = 'IN_PROGRESS'`).
		WithArgs("agent-1", at, "lead-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE leads\s+SET research_status = 'IN_PROGRESS'`).
		WithArgs("agent-1", at, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.MarkInProgress(context.Background(), "lead-1", "agent-1", at))
	err := s.MarkInProgress(context.Background(), "missing", "agent-1", at)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteResearch(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	industry := "Bakery"
	revenue := 125000.0

	mock.ExpectExec(`research_status = 'COMPLETED'.*industry = CASE WHEN`).
		WithArgs(pgxmock.AnyArg(), at, "Bakery", 125000.0, "lead-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteResearch(context.Background(), "lead-1", model.ResearchUpdate{
		Result:         model.ResearchResult{Confidence: 0.8, Sources: []string{}},
		ResearchedAt:   at,
		Industry:       &industry,
		MonthlyRevenue: &revenue,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteResearch_NoBackfill(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectExec(`research_status = 'COMPLETED'`).
		WithArgs(pgxmock.AnyArg(), at, "", 0.0, "lead-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteResearch(context.Background(), "lead-1", model.ResearchUpdate{
		Result:       model.DegradedResearchResult(),
		ResearchedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailAndRequeue(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SET research_status = 'FAILED'`).
		WithArgs(pgxmock.AnyArg(), "lead-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET research_status = 'PENDING', research_data = NULL, researched_at = NULL`).
		WithArgs(pgxmock.AnyArg(), "lead-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET research_status = 'PENDING'`).
		WithArgs(pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.FailResearch(context.Background(), "lead-1"))
	require.NoError(t, s.RequeueLead(context.Background(), "lead-1"))
	assert.ErrorIs(t, s.RequeueLead(context.Background(), "missing"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountByResearchStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT research_status, COUNT\(\*\) FROM leads GROUP BY research_status`).
		WillReturnRows(mock.NewRows([]string{"research_status", "count"}).
			AddRow("PENDING", 3).
			AddRow("FAILED", 1))

	counts, err := s.CountByResearchStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.ResearchStatusPending])
	assert.Equal(t, 1, counts[model.ResearchStatusFailed])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAgents(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM users\s+WHERE is_ai_agent AND ai_type = ANY\(\$1\)`).
		WithArgs([]string{"RESEARCHER", "LEAD_PROCESSOR"}).
		WillReturnRows(mock.NewRows([]string{
			"id", "email", "first_name", "last_name", "ai_type", "ai_version", "organization_id", "created_at", "capabilities",
		}).AddRow("agent-1", "r@ai.local", "Ada", "Research", "RESEARCHER", "1", "", created, []string{"web_research"}))

	agents, err := s.ListAgents(context.Background(), model.ResearchAgentTypes)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, model.AgentTypeResearcher, agents[0].Type)
	assert.Equal(t, []string{"web_research"}, agents[0].Capabilities)
	assert.Equal(t, "Ada Research", agents[0].DisplayName())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertAgents(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_users"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_users"}, []string{
		"id", "email", "first_name", "last_name", "is_ai_agent", "ai_type",
		"ai_version", "capabilities", "organization_id", "created_at",
	}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "users" .* ON CONFLICT \("email"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.UpsertAgents(context.Background(), []model.Agent{
		{Email: "r@ai.local", FirstName: "Ada", Type: model.AgentTypeResearcher},
		{Email: "p@ai.local", FirstName: "Pat", Type: model.AgentTypeLeadProcessor},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateActivity(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO activities`).
		WithArgs(pgxmock.AnyArg(), "AI_ACTION", "Research Assigned", "Research assigned to AI Agent Ada Research",
			"lead-1", "agent-1", nil, "COMPLETED", []byte(`{"cycleId":"cycle_1"}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateActivity(context.Background(), model.Activity{
		Type:        model.ActivityTypeAIAction,
		Title:       "Research Assigned",
		Description: "Research assigned to AI Agent Ada Research",
		LeadID:      "lead-1",
		UserID:      "agent-1",
		Status:      model.ActivityStatusCompleted,
		Metadata:    map[string]any{"cycleId": "cycle_1"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListActivities(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM activities\s+WHERE lead_id = \$1`).
		WithArgs("lead-1", 20).
		WillReturnRows(mock.NewRows([]string{
			"id", "type", "title", "description", "lead_id", "user_id", "organization_id", "status", "metadata", "created_at",
		}).AddRow("act-1", model.ActivityTypeLeadResearch, "Research Failed", "Research failed: boom", "lead-1", "agent-1", "",
			model.ActivityStatusFailed, []byte(`{"error":"boom"}`), created))

	acts, err := s.ListActivities(context.Background(), "lead-1", 20)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, model.ActivityStatusFailed, acts[0].Status)
	assert.Equal(t, "boom", acts[0].Metadata["error"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
