package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "daily_summaries")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns overwritten on conflict; nil = all non-conflict columns not listed below
	Increment    []string // columns set to existing + incoming on conflict
	Greatest     []string // columns set to GREATEST(existing, incoming) on conflict
	// Expressions sets a column to a raw SQL expression on conflict. The
	// target row is aliased "t"; incoming values are EXCLUDED.
	Expressions map[string]string
}

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON CONFLICT.
// 1. Creates a temp table with the same columns
// 2. COPY rows into the temp table
// 3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE SET ...
// 4. The temp table is dropped on commit
//
// Incoming rows must have unique conflict keys.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	setClauses := buildSetClauses(cfg)
	if len(setClauses) == 0 {
		return 0, eris.Errorf("db: upsert: nothing to update for %s", cfg.Table)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(setClauses, ", "),
	)

	tag, err := tx.Exec(ctx, upsertSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}

	return tag.RowsAffected(), nil
}

func buildSetClauses(cfg UpsertConfig) []string {
	special := make(map[string]bool)
	for _, k := range cfg.ConflictKeys {
		special[k] = true
	}
	for _, c := range cfg.Increment {
		special[c] = true
	}
	for _, c := range cfg.Greatest {
		special[c] = true
	}
	for c := range cfg.Expressions {
		special[c] = true
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		for _, c := range cfg.Columns {
			if !special[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	var clauses []string
	for _, col := range updateCols {
		id := pgx.Identifier{col}.Sanitize()
		clauses = append(clauses, fmt.Sprintf("%s = EXCLUDED.%s", id, id))
	}
	for _, col := range cfg.Increment {
		id := pgx.Identifier{col}.Sanitize()
		clauses = append(clauses, fmt.Sprintf("%s = t.%s + EXCLUDED.%s", id, id, id))
	}
	for _, col := range cfg.Greatest {
		id := pgx.Identifier{col}.Sanitize()
		clauses = append(clauses, fmt.Sprintf("%s = GREATEST(t.%s, EXCLUDED.%s)", id, id, id))
	}

	exprCols := make([]string, 0, len(cfg.Expressions))
	for c := range cfg.Expressions {
		exprCols = append(exprCols, c)
	}
	slices.Sort(exprCols)
	for _, col := range exprCols {
		clauses = append(clauses, fmt.Sprintf("%s = %s", pgx.Identifier{col}.Sanitize(), cfg.Expressions[col]))
	}
	return clauses
}

// sanitizeTable handles schema-qualified table names like "public.daily_summaries".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
