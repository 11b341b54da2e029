package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-research/internal/db"
	"github.com/sells-group/lead-research/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the statements every dispatch cycle runs.
var preparedStatements = map[string]string{
	"list_pending_leads": sqlListPendingLeads,
	"mark_in_progress":   sqlMarkInProgress,
	"complete_research":  sqlCompleteResearch,
	"fail_research":      sqlFailResearch,
	"insert_activity":    sqlInsertActivity,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	email           TEXT NOT NULL UNIQUE,
	first_name      TEXT,
	last_name       TEXT,
	is_ai_agent     BOOLEAN NOT NULL DEFAULT false,
	ai_type         TEXT,
	ai_version      TEXT,
	capabilities    TEXT[] NOT NULL DEFAULT '{}',
	organization_id TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_users_ai_type ON users(ai_type) WHERE is_ai_agent;

CREATE TABLE IF NOT EXISTS leads (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	organization_id TEXT,
	first_name      TEXT,
	last_name       TEXT,
	business_name   TEXT,
	email           TEXT,
	phone           TEXT,
	industry        TEXT,
	monthly_revenue DOUBLE PRECISION,
	research_status TEXT NOT NULL DEFAULT 'PENDING',
	research_data   JSONB,
	researched_at   TIMESTAMPTZ,
	assigned_to_id  TEXT REFERENCES users(id),
	assigned_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_research_status_created ON leads(research_status, created_at);

CREATE TABLE IF NOT EXISTS activities (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	type            TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT,
	lead_id         TEXT NOT NULL REFERENCES leads(id),
	user_id         TEXT,
	organization_id TEXT,
	status          TEXT NOT NULL,
	metadata        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_activities_lead_created ON activities(lead_id, created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ListPendingLeads(ctx context.Context, limit int) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx, sqlListPendingLeads, defaultLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanPgLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list pending leads iterate")
}

func (s *PostgresStore) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	l, err := scanPgLead(s.pool.QueryRow(ctx, sqlGetLead, leadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get lead %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", leadID)
	}
	return l, nil
}

func (s *PostgresStore) CreateLead(ctx context.Context, lead model.Lead) (*model.Lead, error) {
	prepareLead(&lead)
	_, err := s.pool.Exec(ctx, sqlInsertLead,
		lead.ID, nullIfEmpty(lead.OrganizationID), nullIfEmpty(lead.FirstName), nullIfEmpty(lead.LastName),
		nullIfEmpty(lead.BusinessName), nullIfEmpty(lead.Email), nullIfEmpty(lead.Phone), nullIfEmpty(lead.Industry),
		lead.MonthlyRevenue, string(lead.ResearchStatus), lead.CreatedAt, lead.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert lead")
	}
	return &lead, nil
}

func (s *PostgresStore) MarkInProgress(ctx context.Context, leadID, agentID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, sqlMarkInProgress, agentID, at.UTC(), leadID)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark in progress %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: mark in progress %s", leadID)
	}
	return nil
}

func (s *PostgresStore) CompleteResearch(ctx context.Context, leadID string, update model.ResearchUpdate) error {
	dataJSON, err := json.Marshal(update.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal research data")
	}
	industry, revenue := backfillArgs(update)

	tag, err := s.pool.Exec(ctx, sqlCompleteResearch,
		dataJSON, update.ResearchedAt.UTC(), industry, revenue, leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete research %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: complete research %s", leadID)
	}
	return nil
}

func (s *PostgresStore) FailResearch(ctx context.Context, leadID string) error {
	tag, err := s.pool.Exec(ctx, sqlFailResearch, time.Now().UTC(), leadID)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail research %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: fail research %s", leadID)
	}
	return nil
}

func (s *PostgresStore) RequeueLead(ctx context.Context, leadID string) error {
	tag, err := s.pool.Exec(ctx, sqlRequeueLead, time.Now().UTC(), leadID)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue lead %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: requeue lead %s", leadID)
	}
	return nil
}

func (s *PostgresStore) CountByResearchStatus(ctx context.Context) (map[model.ResearchStatus]int, error) {
	rows, err := s.pool.Query(ctx, sqlCountByStatus)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by research status")
	}
	defer rows.Close()

	counts := make(map[model.ResearchStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.ResearchStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by research status iterate")
}

func (s *PostgresStore) ListAgents(ctx context.Context, types []model.AgentType) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+`, capabilities FROM users
		 WHERE is_ai_agent AND ai_type = ANY($1)
		 ORDER BY created_at ASC, id ASC`,
		agentTypeStrings(types),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list agents")
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		var aiType string
		if err := rows.Scan(&a.ID, &a.Email, &a.FirstName, &a.LastName, &aiType,
			&a.Version, &a.OrganizationID, &a.CreatedAt, &a.Capabilities); err != nil {
			return nil, eris.Wrap(err, "postgres: scan agent")
		}
		a.Type = model.AgentType(aiType)
		agents = append(agents, a)
	}
	return agents, eris.Wrap(rows.Err(), "postgres: list agents iterate")
}

// UpsertAgents bulk-upserts AI agent identities keyed by email. Existing
// rows keep their id so lead assignments stay valid, and optional fields
// left blank in the input keep their stored values.
func (s *PostgresStore) UpsertAgents(ctx context.Context, agents []model.Agent) (int64, error) {
	rows := make([][]any, len(agents))
	now := time.Now().UTC()
	for i := range agents {
		a := prepareAgent(agents[i], now)
		caps := a.Capabilities
		if caps == nil {
			caps = []string{}
		}
		rows[i] = []any{
			a.ID, a.Email, nullIfEmpty(a.FirstName), nullIfEmpty(a.LastName), true, string(a.Type),
			nullIfEmpty(a.Version), caps, nullIfEmpty(a.OrganizationID), a.CreatedAt,
		}
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "users",
		Columns: []string{
			"id", "email", "first_name", "last_name", "is_ai_agent", "ai_type",
			"ai_version", "capabilities", "organization_id", "created_at",
		},
		ConflictKeys: []string{"email"},
		UpdateCols: []string{
			"first_name", "last_name", "is_ai_agent", "ai_type", "ai_version", "capabilities", "organization_id",
		},
		KeepCols: []string{"first_name", "last_name", "ai_version", "organization_id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert agents")
}

func (s *PostgresStore) CreateActivity(ctx context.Context, activity model.Activity) error {
	prepareActivity(&activity)
	metaJSON, err := json.Marshal(activity.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal activity metadata")
	}

	_, err = s.pool.Exec(ctx, sqlInsertActivity,
		activity.ID, string(activity.Type), activity.Title, activity.Description, activity.LeadID,
		nullIfEmpty(activity.UserID), nullIfEmpty(activity.OrganizationID), string(activity.Status),
		metaJSON, activity.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert activity for lead %s", activity.LeadID)
}

func (s *PostgresStore) ListActivities(ctx context.Context, leadID string, limit int) ([]model.Activity, error) {
	rows, err := s.pool.Query(ctx, sqlListActivities, leadID, defaultLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list activities")
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		var metaJSON []byte
		if err := rows.Scan(&a.ID, &a.Type, &a.Title, &a.Description, &a.LeadID, &a.UserID,
			&a.OrganizationID, &a.Status, &metaJSON, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan activity")
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal activity metadata")
			}
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list activities iterate")
}

func scanPgLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	var status string
	var dataJSON []byte
	err := row.Scan(&l.ID, &l.OrganizationID, &l.FirstName, &l.LastName, &l.BusinessName, &l.Email,
		&l.Phone, &l.Industry, &l.MonthlyRevenue, &status, &dataJSON, &l.ResearchedAt,
		&l.AssignedToID, &l.AssignedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan lead")
	}
	l.ResearchStatus = model.ResearchStatus(status)
	if len(dataJSON) > 0 {
		l.ResearchData = &model.ResearchResult{}
		if err := json.Unmarshal(dataJSON, l.ResearchData); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal research data")
		}
	}
	return &l, nil
}

// Helpers shared by both backends.

func prepareLead(l *model.Lead) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.ResearchStatus == "" {
		l.ResearchStatus = model.ResearchStatusPending
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = now
}

func prepareAgent(a model.Agent, now time.Time) model.Agent {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	return a
}

func prepareActivity(a *model.Activity) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
}

// backfillArgs flattens the optional backfill fields; "" and 0 mean "leave
// the stored value alone".
func backfillArgs(u model.ResearchUpdate) (string, float64) {
	var industry string
	var revenue float64
	if u.Industry != nil {
		industry = *u.Industry
	}
	if u.MonthlyRevenue != nil {
		revenue = *u.MonthlyRevenue
	}
	return industry, revenue
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
