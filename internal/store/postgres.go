package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/stage-batch/internal/db"
	"github.com/sells-group/stage-batch/internal/resilience"
	"github.com/sells-group/stage-batch/internal/ruleset"
	"github.com/sells-group/stage-batch/internal/stage"
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

// NewPostgresWithPool wraps an existing pool. The caller keeps ownership.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies pending schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const selectEffectiveConditions = `
SELECT c.id, c.condition_type, c.name, c.category, c.valid_from, c.valid_to,
       sc.stage_code, sc.min_value, sc.max_value,
       rc.threshold_value, rc.rank_change_levels
FROM conditions c
LEFT OUTER JOIN stage_conditions sc ON sc.condition_id = c.id
LEFT OUTER JOIN rank_change_conditions rc ON rc.condition_id = c.id
WHERE c.valid_from <= $1 AND c.valid_to >= $1
ORDER BY c.id`

// EffectiveConditions returns the conditions in effect on asOf.
func (s *PostgresStore) EffectiveConditions(ctx context.Context, asOf time.Time) ([]stage.Condition, error) {
	rows, err := s.pool.Query(ctx, selectEffectiveConditions, stage.DateOf(asOf))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query conditions")
	}
	defer rows.Close()

	var records []conditionRecord
	for rows.Next() {
		var rec conditionRecord
		var minValue, maxValue, threshold pgtype.Numeric
		if err := rows.Scan(
			&rec.ID, &rec.Type, &rec.Name, &rec.Category, &rec.ValidFrom, &rec.ValidTo,
			&rec.StageCode, &minValue, &maxValue,
			&threshold, &rec.RankChangeLevels,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan condition")
		}
		if rec.MinValue, err = db.NullDecimal(minValue); err != nil {
			return nil, eris.Wrapf(err, "postgres: condition %d min_value", rec.ID)
		}
		if rec.MaxValue, err = db.NullDecimal(maxValue); err != nil {
			return nil, eris.Wrapf(err, "postgres: condition %d max_value", rec.ID)
		}
		if rec.ThresholdValue, err = db.NullDecimal(threshold); err != nil {
			return nil, eris.Wrapf(err, "postgres: condition %d threshold_value", rec.ID)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate conditions")
	}
	return buildConditions(records)
}

// SaveConditions validates conds and upserts them with their variant rows
// in one transaction. A condition that changed category loses its old
// variant row.
func (s *PostgresStore) SaveConditions(ctx context.Context, conds []stage.Condition) (int, error) {
	if len(conds) == 0 {
		return 0, nil
	}
	if err := ruleset.Validate(conds); err != nil {
		return 0, err
	}
	stageConds, rankConds := splitConditions(conds)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin save conditions")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	base := make([][]any, len(conds))
	for i, c := range conds {
		def := c.Base()
		base[i] = []any{def.ID, string(def.Type), def.Name, string(c.Category()), def.ValidFrom, def.ValidTo}
	}
	n, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
		Table:        "conditions",
		Columns:      []string{"id", "condition_type", "name", "category", "valid_from", "valid_to"},
		ConflictKeys: []string{"id"},
	}, base)
	if err != nil {
		return 0, err
	}

	stageIDs := make([]int32, len(stageConds))
	stageRows := make([][]any, len(stageConds))
	for i, c := range stageConds {
		stageIDs[i] = int32(c.ID)
		stageRows[i] = []any{c.ID, c.StageCode.String(), db.Numeric(c.MinValue), db.Numeric(c.MaxValue)}
	}
	rankIDs := make([]int32, len(rankConds))
	rankRows := make([][]any, len(rankConds))
	for i, c := range rankConds {
		rankIDs[i] = int32(c.ID)
		rankRows[i] = []any{c.ID, db.Numeric(c.ThresholdValue), c.RankChangeLevels}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM stage_conditions WHERE condition_id = ANY($1)`, rankIDs); err != nil {
		return 0, eris.Wrap(err, "postgres: clear stale stage conditions")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rank_change_conditions WHERE condition_id = ANY($1)`, stageIDs); err != nil {
		return 0, eris.Wrap(err, "postgres: clear stale rank change conditions")
	}

	if _, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
		Table:        "stage_conditions",
		Columns:      []string{"condition_id", "stage_code", "min_value", "max_value"},
		ConflictKeys: []string{"condition_id"},
	}, stageRows); err != nil {
		return 0, err
	}
	if _, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
		Table:        "rank_change_conditions",
		Columns:      []string{"condition_id", "threshold_value", "rank_change_levels"},
		ConflictKeys: []string{"condition_id"},
	}, rankRows); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit save conditions")
	}
	return int(n), nil
}

const insertCalculation = `
INSERT INTO customer_stage_calculations (
	run_id, customer_id, calculation_date, valid_from, valid_to,
	current_stage_code, final_stage_code,
	total_balance, foreign_currency_balance, investment_trust_balance,
	monthly_foreign_currency_purchase, monthly_investment_trust_purchase,
	housing_loan_balance, monthly_fx_trading_volume
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING id`

var (
	resultColumns     = []string{"calculation_id", "condition_id", "is_met", "evaluated_value"}
	transitionColumns = []string{"calculation_id", "customer_id", "previous_stage_code", "current_stage_code", "transition_date"}
)

// SaveOutcomes persists one chunk in a single transaction: each calculation
// is inserted to obtain its id, then the linked evaluation results and
// transitions are copied in bulk.
func (s *PostgresStore) SaveOutcomes(ctx context.Context, runID string, outcomes []stage.Outcome) ([]stage.Persisted, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin save outcomes")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var run *string
	if runID != "" {
		run = &runID
	}

	persisted := make([]stage.Persisted, len(outcomes))
	var resultRows, transitionRows [][]any
	for i, o := range outcomes {
		c := o.Calculation
		var id int64
		if err := tx.QueryRow(ctx, insertCalculation,
			run, c.CustomerID, c.CalculationDate, c.ValidFrom, c.ValidTo,
			c.CurrentStageCode.String(), c.FinalStageCode.String(),
			db.Numeric(c.TotalBalance), db.Numeric(c.ForeignCurrencyBalance), db.Numeric(c.InvestmentTrustBalance),
			db.Numeric(c.MonthlyForeignCurrencyPurchase), db.Numeric(c.MonthlyInvestmentTrustPurchase),
			db.Numeric(c.HousingLoanBalance), c.MonthlyFxTradingVolume,
		).Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "postgres: insert calculation for %s", c.CustomerID)
		}

		p := o.Assign(id)
		persisted[i] = p
		for _, r := range p.Results {
			resultRows = append(resultRows, []any{r.CalculationID, r.ConditionID, r.IsMet, db.Numeric(r.EvaluatedValue)})
		}
		if t := p.Transition; t != nil {
			transitionRows = append(transitionRows, []any{
				t.CalculationID, t.CustomerID, t.PreviousStageCode.String(), t.CurrentStageCode.String(), t.TransitionDate,
			})
		}
	}

	if _, err := db.CopyFrom(ctx, tx, "condition_evaluation_results", resultColumns, resultRows); err != nil {
		return nil, err
	}
	if _, err := db.CopyFrom(ctx, tx, "stage_transitions", transitionColumns, transitionRows); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit save outcomes")
	}
	return persisted, nil
}

// StartRun records the start of a batch run and returns it.
func (s *PostgresStore) StartRun(ctx context.Context, start RunStart) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Status:    RunStatusRunning,
		AsOf:      stage.DateOf(start.AsOf),
		Input:     start.Input,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_runs (id, status, as_of, input, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Status), run.AsOf, run.Input, run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

// CompleteRun marks a run complete with its final stats.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, stats RunStats) error {
	return s.finishRun(ctx, runID, RunStatusComplete, stats, nil)
}

// FailRun marks a run failed, recording the error and its classification.
func (s *PostgresStore) FailRun(ctx context.Context, runID string, stats RunStats, runErr error) error {
	return s.finishRun(ctx, runID, RunStatusFailed, stats, runErr)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status RunStatus, stats RunStats, runErr error) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run stats")
	}

	var errMsg, errType *string
	if runErr != nil {
		msg, typ := runErr.Error(), resilience.ClassifyError(runErr)
		errMsg, errType = &msg, &typ
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_runs SET status = $1, completed_at = $2, stats = $3, error = $4, error_type = $5 WHERE id = $6`,
		string(status), time.Now().UTC(), statsJSON, errMsg, errType, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "postgres: finish run %s", runID)
	}
	return nil
}

// ListRuns returns runs ordered by most recent first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, status, as_of, input, started_at, completed_at, stats, error, error_type FROM batch_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var statsJSON []byte
		var errMsg, errType *string
		if err := rows.Scan(&r.ID, &r.Status, &r.AsOf, &r.Input, &r.StartedAt, &r.CompletedAt, &statsJSON, &errMsg, &errType); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if len(statsJSON) > 0 {
			if err := json.Unmarshal(statsJSON, &r.Stats); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal stats for run %s", r.ID)
			}
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		if errType != nil {
			r.ErrorType = *errType
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

var _ Store = (*PostgresStore)(nil)
