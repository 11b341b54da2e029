package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-research/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; a single connection keeps them in effect
	// and serializes writers from concurrent runners.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	email           TEXT NOT NULL UNIQUE,
	first_name      TEXT,
	last_name       TEXT,
	is_ai_agent     INTEGER NOT NULL DEFAULT 0,
	ai_type         TEXT,
	ai_version      TEXT,
	capabilities    TEXT NOT NULL DEFAULT '[]',
	organization_id TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS leads (
	id              TEXT PRIMARY KEY,
	organization_id TEXT,
	first_name      TEXT,
	last_name       TEXT,
	business_name   TEXT,
	email           TEXT,
	phone           TEXT,
	industry        TEXT,
	monthly_revenue REAL,
	research_status TEXT NOT NULL DEFAULT 'PENDING',
	research_data   TEXT,
	researched_at   DATETIME,
	assigned_to_id  TEXT REFERENCES users(id),
	assigned_at     DATETIME,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_leads_research_status_created ON leads(research_status, created_at);

CREATE TABLE IF NOT EXISTS activities (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT,
	lead_id         TEXT NOT NULL REFERENCES leads(id),
	user_id         TEXT,
	organization_id TEXT,
	status          TEXT NOT NULL,
	metadata        TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_activities_lead_created ON activities(lead_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	q, a := sqliteRebind(query, args...)
	return s.db.ExecContext(ctx, q, a...)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	q, a := sqliteRebind(query, args...)
	return s.db.QueryContext(ctx, q, a...)
}

func (s *SQLiteStore) ListPendingLeads(ctx context.Context, limit int) ([]model.Lead, error) {
	rows, err := s.query(ctx, sqlListPendingLeads, defaultLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending leads")
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.Lead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list pending leads iterate")
}

func (s *SQLiteStore) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	q, a := sqliteRebind(sqlGetLead, leadID)
	l, err := scanSQLiteLead(s.db.QueryRowContext(ctx, q, a...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get lead %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", leadID)
	}
	return l, nil
}

func (s *SQLiteStore) CreateLead(ctx context.Context, lead model.Lead) (*model.Lead, error) {
	prepareLead(&lead)
	_, err := s.exec(ctx, sqlInsertLead,
		lead.ID, nullIfEmpty(lead.OrganizationID), nullIfEmpty(lead.FirstName), nullIfEmpty(lead.LastName),
		nullIfEmpty(lead.BusinessName), nullIfEmpty(lead.Email), nullIfEmpty(lead.Phone), nullIfEmpty(lead.Industry),
		lead.MonthlyRevenue, string(lead.ResearchStatus), lead.CreatedAt, lead.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert lead")
	}
	return &lead, nil
}

func (s *SQLiteStore) MarkInProgress(ctx context.Context, leadID, agentID string, at time.Time) error {
	res, err := s.exec(ctx, sqlMarkInProgress, agentID, at.UTC(), leadID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark in progress %s", leadID)
	}
	return checkRowsAffected(res, "mark in progress", leadID)
}

func (s *SQLiteStore) CompleteResearch(ctx context.Context, leadID string, update model.ResearchUpdate) error {
	dataJSON, err := json.Marshal(update.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal research data")
	}
	industry, revenue := backfillArgs(update)

	res, err := s.exec(ctx, sqlCompleteResearch,
		string(dataJSON), update.ResearchedAt.UTC(), industry, revenue, leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete research %s", leadID)
	}
	return checkRowsAffected(res, "complete research", leadID)
}

func (s *SQLiteStore) FailResearch(ctx context.Context, leadID string) error {
	res, err := s.exec(ctx, sqlFailResearch, time.Now().UTC(), leadID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail research %s", leadID)
	}
	return checkRowsAffected(res, "fail research", leadID)
}

func (s *SQLiteStore) RequeueLead(ctx context.Context, leadID string) error {
	res, err := s.exec(ctx, sqlRequeueLead, time.Now().UTC(), leadID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue lead %s", leadID)
	}
	return checkRowsAffected(res, "requeue lead", leadID)
}

func (s *SQLiteStore) CountByResearchStatus(ctx context.Context) (map[model.ResearchStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, sqlCountByStatus)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by research status")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.ResearchStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.ResearchStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by research status iterate")
}

func (s *SQLiteStore) ListAgents(ctx context.Context, types []model.AgentType) ([]model.Agent, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	args := make([]any, len(types))
	for i, t := range agentTypeStrings(types) {
		args[i] = t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+`, capabilities FROM users
		 WHERE is_ai_agent = 1 AND ai_type IN (`+placeholders+`)
		 ORDER BY created_at ASC, id ASC`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list agents")
	}
	defer rows.Close() //nolint:errcheck

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		var aiType, capsJSON string
		if err := rows.Scan(&a.ID, &a.Email, &a.FirstName, &a.LastName, &aiType,
			&a.Version, &a.OrganizationID, &a.CreatedAt, &capsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan agent")
		}
		a.Type = model.AgentType(aiType)
		if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal agent capabilities")
		}
		agents = append(agents, a)
	}
	return agents, eris.Wrap(rows.Err(), "sqlite: list agents iterate")
}

// UpsertAgents upserts AI agent identities keyed by email inside one
// transaction.
func (s *SQLiteStore) UpsertAgents(ctx context.Context, agents []model.Agent) (int64, error) {
	if len(agents) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert agents: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, raw := range agents {
		a := prepareAgent(raw, now)
		caps := a.Capabilities
		if caps == nil {
			caps = []string{}
		}
		capsJSON, err := json.Marshal(caps)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal agent capabilities")
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, email, first_name, last_name, is_ai_agent, ai_type, ai_version, capabilities, organization_id, created_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
			 ON CONFLICT (email) DO UPDATE SET
			   first_name = COALESCE(excluded.first_name, users.first_name),
			   last_name = COALESCE(excluded.last_name, users.last_name), is_ai_agent = 1,
			   ai_type = excluded.ai_type, ai_version = COALESCE(excluded.ai_version, users.ai_version),
			   capabilities = excluded.capabilities,
			   organization_id = COALESCE(excluded.organization_id, users.organization_id)`,
			a.ID, a.Email, nullIfEmpty(a.FirstName), nullIfEmpty(a.LastName), string(a.Type),
			nullIfEmpty(a.Version), string(capsJSON), nullIfEmpty(a.OrganizationID), a.CreatedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert agent %s", a.Email)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert agents: commit tx")
	}
	return n, nil
}

func (s *SQLiteStore) CreateActivity(ctx context.Context, activity model.Activity) error {
	prepareActivity(&activity)
	metaJSON, err := json.Marshal(activity.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal activity metadata")
	}

	_, err = s.exec(ctx, sqlInsertActivity,
		activity.ID, string(activity.Type), activity.Title, activity.Description, activity.LeadID,
		nullIfEmpty(activity.UserID), nullIfEmpty(activity.OrganizationID), string(activity.Status),
		string(metaJSON), activity.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert activity for lead %s", activity.LeadID)
}

func (s *SQLiteStore) ListActivities(ctx context.Context, leadID string, limit int) ([]model.Activity, error) {
	rows, err := s.query(ctx, sqlListActivities, leadID, defaultLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list activities")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		var metaJSON sql.NullString
		if err := rows.Scan(&a.ID, &a.Type, &a.Title, &a.Description, &a.LeadID, &a.UserID,
			&a.OrganizationID, &a.Status, &metaJSON, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan activity")
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &a.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal activity metadata")
			}
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list activities iterate")
}

func checkRowsAffected(res sql.Result, action, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", action, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var status string
	var revenue sql.NullFloat64
	var dataJSON sql.NullString
	var researchedAt, assignedAt sql.NullTime

	err := row.Scan(&l.ID, &l.OrganizationID, &l.FirstName, &l.LastName, &l.BusinessName, &l.Email,
		&l.Phone, &l.Industry, &revenue, &status, &dataJSON, &researchedAt,
		&l.AssignedToID, &assignedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan lead")
	}

	l.ResearchStatus = model.ResearchStatus(status)
	if revenue.Valid {
		v := revenue.Float64
		l.MonthlyRevenue = &v
	}
	if researchedAt.Valid {
		t := researchedAt.Time
		l.ResearchedAt = &t
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		l.AssignedAt = &t
	}
	if dataJSON.Valid && dataJSON.String != "" {
		l.ResearchData = &model.ResearchResult{}
		if err := json.Unmarshal([]byte(dataJSON.String), l.ResearchData); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal research data")
		}
	}
	return &l, nil
}
