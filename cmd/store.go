package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stage-batch/internal/batch"
	"github.com/sells-group/stage-batch/internal/config"
	"github.com/sells-group/stage-batch/internal/resilience"
	"github.com/sells-group/stage-batch/internal/ruleset"
	"github.com/sells-group/stage-batch/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "stages.db"
		}
		return store.NewSQLite(dsn)
	case config.DriverPostgres:
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects and applies pending migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// conditionSource returns the configured condition source. st may be nil
// when conditions come from a file.
func conditionSource(st store.Store) (batch.ConditionSource, error) {
	if cfg.Conditions.Source == config.SourceFile {
		conds, err := ruleset.LoadFile(cfg.Conditions.File)
		if err != nil {
			return nil, err
		}
		return ruleset.Static(conds), nil
	}
	if st == nil {
		return nil, eris.New("conditions.source is store but no store is open")
	}
	return st, nil
}

func batchOptions() batch.Options {
	return batch.Options{
		ChunkSize:   cfg.Batch.ChunkSize,
		Concurrency: cfg.Batch.Concurrency,
		SkipFailed:  cfg.Batch.SkipFailed,
		Retry:       resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs),
		Delimiter:   cfg.Batch.DelimiterRune(),
		TrimSpace:   true,
	}
}
