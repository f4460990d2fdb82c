package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stage-batch/internal/db"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// migrationLockKey serializes concurrent Migrate calls against one database.
const migrationLockKey int64 = 7340021

// migrationFiles returns the embedded migration names for dir in
// lexicographic order.
func migrationFiles(dir string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, eris.Wrapf(err, "store: read migration dir %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// migratePostgres applies pending migrations in one transaction and records
// each one in schema_migrations. The advisory lock is transaction scoped, so
// it is held on the transaction's connection and released at commit or
// rollback.
func migratePostgres(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin migrations")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
		return eris.Wrap(err, "postgres: acquire migration advisory lock")
	}

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return eris.Wrap(err, "postgres: ensure migration table")
	}

	applied, err := appliedPostgresMigrations(ctx, tx)
	if err != nil {
		return err
	}

	names, err := migrationFiles("migrations/postgres")
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/postgres/" + name)
		if err != nil {
			return eris.Wrapf(err, "postgres: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "postgres: apply migration %s", name)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return eris.Wrapf(err, "postgres: record migration %s", name)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit migrations")
	}
	return nil
}

func appliedPostgresMigrations(ctx context.Context, q db.Querier) (map[string]bool, error) {
	rows, err := q.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "postgres: iterate migrations")
}
