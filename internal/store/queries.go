package store

import "strings"

// SQL shared by the Postgres and SQLite backends. Statements are written
// with $N placeholders and rebound for SQLite by sqliteRebind.

const leadColumns = `id, COALESCE(organization_id, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),
	COALESCE(business_name, ''), COALESCE(email, ''), COALESCE(phone, ''), COALESCE(industry, ''),
	monthly_revenue, research_status, research_data, researched_at, COALESCE(assigned_to_id, ''),
	assigned_at, created_at, updated_at`

const agentColumns = `id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(ai_type, ''),
	COALESCE(ai_version, ''), COALESCE(organization_id, ''), created_at`

const activityColumns = `id, type, title, COALESCE(description, ''), lead_id, COALESCE(user_id, ''),
	COALESCE(organization_id, ''), status, metadata, created_at`

const (
	sqlListPendingLeads = `SELECT ` + leadColumns + ` FROM leads
	WHERE research_status = 'PENDING'
	ORDER BY created_at ASC, id ASC
	LIMIT $1`

	sqlGetLead = `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`

	sqlInsertLead = `INSERT INTO leads
	(id, organization_id, first_name, last_name, business_name, email, phone, industry, monthly_revenue,
	 research_status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	sqlMarkInProgress = `UPDATE leads
	SET research_status = 'IN_PROGRESS', assigned_to_id = $1, assigned_at = $2, updated_at = $2
	WHERE id = $3`

	// Backfills only write when the stored value is empty.
	sqlCompleteResearch = `UPDATE leads
	SET research_data = $1,
	    research_status = 'COMPLETED',
	    researched_at = $2,
	    industry = CASE WHEN CAST($3 AS TEXT) <> '' AND (industry IS NULL OR industry = '')
	        THEN CAST($3 AS TEXT) ELSE industry END,
	    monthly_revenue = CASE WHEN CAST($4 AS DOUBLE PRECISION) > 0 AND (monthly_revenue IS NULL OR monthly_revenue = 0)
	        THEN CAST($4 AS DOUBLE PRECISION) ELSE monthly_revenue END,
	    updated_at = $2
	WHERE id = $5`

	sqlFailResearch = `UPDATE leads SET research_status = 'FAILED', updated_at = $1 WHERE id = $2`

	sqlRequeueLead = `UPDATE leads
	SET research_status = 'PENDING', research_data = NULL, researched_at = NULL, updated_at = $1
	WHERE id = $2`

	sqlCountByStatus = `SELECT research_status, COUNT(*) FROM leads GROUP BY research_status`

	sqlInsertActivity = `INSERT INTO activities
	(id, type, title, description, lead_id, user_id, organization_id, status, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	sqlListActivities = `SELECT ` + activityColumns + ` FROM activities
	WHERE lead_id = $1
	ORDER BY created_at DESC, id DESC
	LIMIT $2`
)

// sqliteRebind rewrites $N placeholders to positional ? markers and expands
// args in the order the markers appear, so a $N used twice binds twice.
func sqliteRebind(query string, args ...any) (string, []any) {
	var b strings.Builder
	b.Grow(len(query))
	out := make([]any, 0, len(args))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '$' || i+1 >= len(query) || query[i+1] < '0' || query[i+1] > '9' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		n := 0
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			n = n*10 + int(query[j]-'0')
			j++
		}
		if n >= 1 && n <= len(args) {
			out = append(out, args[n-1])
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String(), out
}
