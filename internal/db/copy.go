package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows into a table using the PostgreSQL COPY protocol.
// Pass a pgx.Tx to make the copy part of a larger transaction.
func CopyFrom(ctx context.Context, q Querier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := q.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}
