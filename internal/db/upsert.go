package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "stage_conditions")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
}

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON CONFLICT.
// It must run inside the caller's transaction; the temp table is dropped on
// commit.
//  1. CREATE TEMP TABLE ... (LIKE target) ON COMMIT DROP
//  2. COPY rows into the temp table
//  3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE SET ...
func BulkUpsert(ctx context.Context, tx Querier, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	tempTable := pgx.Identifier{"_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_")}

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		tempTable.Sanitize(),
		identifier(cfg.Table).Sanitize(),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, tempTable, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	action := "DO NOTHING"
	if len(updateCols) > 0 {
		setClauses := make([]string, len(updateCols))
		for i, col := range updateCols {
			name := pgx.Identifier{col}.Sanitize()
			setClauses[i] = fmt.Sprintf("%s = EXCLUDED.%s", name, name)
		}
		action = "DO UPDATE SET " + strings.Join(setClauses, ", ")
	}

	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		identifier(cfg.Table).Sanitize(),
		colList,
		colList,
		tempTable.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		action,
	)

	tag, err := tx.Exec(ctx, upsertSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

// identifier handles schema-qualified table names like "loyalty.stages".
func identifier(table string) pgx.Identifier {
	return pgx.Identifier(strings.SplitN(table, ".", 2))
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
