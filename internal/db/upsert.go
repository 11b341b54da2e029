package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a keyed bulk write into one table.
type UpsertConfig struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// UpdateCols are overwritten from the incoming row on conflict. Nil means
	// every column that is not a conflict key; an empty slice means none.
	UpdateCols []string
	// KeepCols are update columns whose stored value survives when the
	// incoming value is NULL.
	KeepCols []string
}

type upsertPlan struct {
	table     string
	staging   string
	columns   []string
	conflict  []string
	overwrite []string
	keep      map[string]bool
}

func newUpsertPlan(cfg UpsertConfig) (*upsertPlan, error) {
	if cfg.Table == "" {
		return nil, eris.New("db: upsert: no table specified")
	}
	if len(cfg.Columns) == 0 {
		return nil, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return nil, eris.New("db: upsert: no conflict keys specified")
	}

	known := make(map[string]bool, len(cfg.Columns))
	for _, c := range cfg.Columns {
		known[c] = true
	}
	isKey := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		if !known[k] {
			return nil, eris.Errorf("db: upsert: conflict key %q is not a column of %s", k, cfg.Table)
		}
		isKey[k] = true
	}

	overwrite := cfg.UpdateCols
	if overwrite == nil {
		for _, c := range cfg.Columns {
			if !isKey[c] {
				overwrite = append(overwrite, c)
			}
		}
	}

	keep := make(map[string]bool, len(cfg.KeepCols))
	for _, c := range cfg.KeepCols {
		keep[c] = true
	}

	return &upsertPlan{
		table:     cfg.Table,
		staging:   "_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_"),
		columns:   cfg.Columns,
		conflict:  cfg.ConflictKeys,
		overwrite: overwrite,
		keep:      keep,
	}, nil
}

func (p *upsertPlan) createStagingSQL() string {
	return fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{p.staging}.Sanitize(), sanitizeTable(p.table))
}

func (p *upsertPlan) mergeSQL() string {
	target := sanitizeTable(p.table)
	cols := quoteAndJoin(p.columns)

	action := "DO NOTHING"
	if len(p.overwrite) > 0 {
		sets := make([]string, 0, len(p.overwrite))
		for _, c := range p.overwrite {
			id := pgx.Identifier{c}.Sanitize()
			if p.keep[c] {
				sets = append(sets, fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, %s.%s)", id, id, target, id))
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", id, id))
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		target, cols, cols, pgx.Identifier{p.staging}.Sanitize(), quoteAndJoin(p.conflict), action)
}

// BulkUpsert stages rows in a temp table with COPY and merges them into the
// target with INSERT ... ON CONFLICT inside one transaction. It returns the
// number of rows inserted or updated.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	plan, err := newUpsertPlan(cfg)
	if err != nil {
		return 0, err
	}
	for i, r := range rows {
		if len(r) != len(plan.columns) {
			return 0, eris.Errorf("db: upsert: row %d has %d values, want %d", i, len(r), len(plan.columns))
		}
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, plan.createStagingSQL()); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", plan.table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{plan.staging}, plan.columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy %d rows into %s", len(rows), plan.staging)
	}

	tag, err := tx.Exec(ctx, plan.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", plan.table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// sanitizeTable quotes a table name, keeping an optional schema prefix.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
