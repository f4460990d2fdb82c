package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/stage-batch/internal/resilience"
	"github.com/sells-group/stage-batch/internal/ruleset"
	"github.com/sells-group/stage-batch/internal/stage"
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
	// One writer at a time; concurrent chunk writers would only contend on
	// the database lock.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the schema. Every statement is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	names, err := migrationFiles("migrations/sqlite")
	if err != nil {
		return err
	}
	for _, name := range names {
		data, err := migrationFS.ReadFile("migrations/sqlite/" + name)
		if err != nil {
			return eris.Wrapf(err, "sqlite: read migration %s", name)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "sqlite: apply migration %s", name)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EffectiveConditions returns the conditions in effect on asOf.
func (s *SQLiteStore) EffectiveConditions(ctx context.Context, asOf time.Time) ([]stage.Condition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.condition_type, c.name, c.category, c.valid_from, c.valid_to,
		       sc.stage_code, sc.min_value, sc.max_value,
		       rc.threshold_value, rc.rank_change_levels
		FROM conditions c
		LEFT OUTER JOIN stage_conditions sc ON sc.condition_id = c.id
		LEFT OUTER JOIN rank_change_conditions rc ON rc.condition_id = c.id
		WHERE c.valid_from <= ?1 AND c.valid_to >= ?1
		ORDER BY c.id`,
		formatDate(asOf),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query conditions")
	}
	defer rows.Close() //nolint:errcheck

	var records []conditionRecord
	for rows.Next() {
		var rec conditionRecord
		var validFrom, validTo string
		var minValue, maxValue, threshold decimal.NullDecimal
		if err := rows.Scan(
			&rec.ID, &rec.Type, &rec.Name, &rec.Category, &validFrom, &validTo,
			&rec.StageCode, &minValue, &maxValue,
			&threshold, &rec.RankChangeLevels,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan condition")
		}
		if rec.ValidFrom, err = parseDate(validFrom); err != nil {
			return nil, err
		}
		if rec.ValidTo, err = parseDate(validTo); err != nil {
			return nil, err
		}
		rec.MinValue = nullDecimal(minValue)
		rec.MaxValue = nullDecimal(maxValue)
		rec.ThresholdValue = nullDecimal(threshold)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate conditions")
	}
	return buildConditions(records)
}

// SaveConditions validates conds and upserts them with their variant rows
// in one transaction.
func (s *SQLiteStore) SaveConditions(ctx context.Context, conds []stage.Condition) (int, error) {
	if len(conds) == 0 {
		return 0, nil
	}
	if err := ruleset.Validate(conds); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin save conditions")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range conds {
		def := c.Base()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conditions (id, condition_type, name, category, valid_from, valid_to)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				condition_type = excluded.condition_type,
				name = excluded.name,
				category = excluded.category,
				valid_from = excluded.valid_from,
				valid_to = excluded.valid_to`,
			def.ID, string(def.Type), def.Name, string(c.Category()), formatDate(def.ValidFrom), formatDate(def.ValidTo),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert condition %d", def.ID)
		}

		switch v := c.(type) {
		case stage.StageCondition:
			if _, err := tx.ExecContext(ctx, `DELETE FROM rank_change_conditions WHERE condition_id = ?`, v.ID); err != nil {
				return 0, eris.Wrapf(err, "sqlite: clear rank change condition %d", v.ID)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stage_conditions (condition_id, stage_code, min_value, max_value)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (condition_id) DO UPDATE SET
					stage_code = excluded.stage_code,
					min_value = excluded.min_value,
					max_value = excluded.max_value`,
				v.ID, v.StageCode.String(), v.MinValue.String(), v.MaxValue.String(),
			); err != nil {
				return 0, eris.Wrapf(err, "sqlite: upsert stage condition %d", v.ID)
			}
		case stage.RankChangeCondition:
			if _, err := tx.ExecContext(ctx, `DELETE FROM stage_conditions WHERE condition_id = ?`, v.ID); err != nil {
				return 0, eris.Wrapf(err, "sqlite: clear stage condition %d", v.ID)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rank_change_conditions (condition_id, threshold_value, rank_change_levels)
				VALUES (?, ?, ?)
				ON CONFLICT (condition_id) DO UPDATE SET
					threshold_value = excluded.threshold_value,
					rank_change_levels = excluded.rank_change_levels`,
				v.ID, v.ThresholdValue.String(), v.RankChangeLevels,
			); err != nil {
				return 0, eris.Wrapf(err, "sqlite: upsert rank change condition %d", v.ID)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit save conditions")
	}
	return len(conds), nil
}

// SaveOutcomes persists one chunk in a single transaction.
func (s *SQLiteStore) SaveOutcomes(ctx context.Context, runID string, outcomes []stage.Outcome) ([]stage.Persisted, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin save outcomes")
	}
	defer tx.Rollback() //nolint:errcheck

	calcStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO customer_stage_calculations (
			run_id, customer_id, calculation_date, valid_from, valid_to,
			current_stage_code, final_stage_code,
			total_balance, foreign_currency_balance, investment_trust_balance,
			monthly_foreign_currency_purchase, monthly_investment_trust_purchase,
			housing_loan_balance, monthly_fx_trading_volume
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare calculation insert")
	}
	defer calcStmt.Close() //nolint:errcheck

	resultStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO condition_evaluation_results (calculation_id, condition_id, is_met, evaluated_value)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prepare result insert")
	}
	defer resultStmt.Close() //nolint:errcheck

	var run sql.NullString
	if runID != "" {
		run = sql.NullString{String: runID, Valid: true}
	}

	persisted := make([]stage.Persisted, len(outcomes))
	for i, o := range outcomes {
		c := o.Calculation
		res, err := calcStmt.ExecContext(ctx,
			run, c.CustomerID, formatDate(c.CalculationDate), formatDate(c.ValidFrom), formatDate(c.ValidTo),
			c.CurrentStageCode.String(), c.FinalStageCode.String(),
			c.TotalBalance.String(), c.ForeignCurrencyBalance.String(), c.InvestmentTrustBalance.String(),
			c.MonthlyForeignCurrencyPurchase.String(), c.MonthlyInvestmentTrustPurchase.String(),
			c.HousingLoanBalance.String(), c.MonthlyFxTradingVolume,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert calculation for %s", c.CustomerID)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: calculation id")
		}

		p := o.Assign(id)
		for _, r := range p.Results {
			if _, err := resultStmt.ExecContext(ctx, r.CalculationID, r.ConditionID, r.IsMet, r.EvaluatedValue.String()); err != nil {
				return nil, eris.Wrapf(err, "sqlite: insert result %d for %s", r.ConditionID, c.CustomerID)
			}
		}
		if t := p.Transition; t != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stage_transitions (calculation_id, customer_id, previous_stage_code, current_stage_code, transition_date)
				VALUES (?, ?, ?, ?, ?)`,
				t.CalculationID, t.CustomerID, t.PreviousStageCode.String(), t.CurrentStageCode.String(), formatDate(t.TransitionDate),
			); err != nil {
				return nil, eris.Wrapf(err, "sqlite: insert transition for %s", c.CustomerID)
			}
		}
		persisted[i] = p
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit save outcomes")
	}
	return persisted, nil
}

// StartRun records the start of a batch run and returns it.
func (s *SQLiteStore) StartRun(ctx context.Context, start RunStart) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Status:    RunStatusRunning,
		AsOf:      stage.DateOf(start.AsOf),
		Input:     start.Input,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, status, as_of, input, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), formatDate(run.AsOf), run.Input, run.StartedAt.Format(timestampLayout),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

// CompleteRun marks a run complete with its final stats.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, stats RunStats) error {
	return s.finishRun(ctx, runID, RunStatusComplete, stats, nil)
}

// FailRun marks a run failed, recording the error and its classification.
func (s *SQLiteStore) FailRun(ctx context.Context, runID string, stats RunStats, runErr error) error {
	return s.finishRun(ctx, runID, RunStatusFailed, stats, runErr)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status RunStatus, stats RunStats, runErr error) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}

	var errMsg, errType sql.NullString
	if runErr != nil {
		errMsg = sql.NullString{String: runErr.Error(), Valid: true}
		errType = sql.NullString{String: resilience.ClassifyError(runErr), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET status = ?, completed_at = ?, stats = ?, error = ?, error_type = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(timestampLayout), string(statsJSON), errMsg, errType, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

// ListRuns returns runs ordered by most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, status, as_of, input, started_at, completed_at, stats, error, error_type FROM batch_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "sqlite: finish run %s", runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var asOf, startedAt string
	var completedAt, statsJSON, errMsg, errType sql.NullString

	if err := row.Scan(&r.ID, &r.Status, &asOf, &r.Input, &startedAt, &completedAt, &statsJSON, &errMsg, &errType); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	var err error
	if r.AsOf, err = parseDate(asOf); err != nil {
		return nil, err
	}
	if r.StartedAt, err = time.Parse(timestampLayout, startedAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse started_at for run %s", r.ID)
	}
	if completedAt.Valid {
		t, err := time.Parse(timestampLayout, completedAt.String)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse completed_at for run %s", r.ID)
		}
		r.CompletedAt = &t
	}
	if statsJSON.Valid {
		if err := json.Unmarshal([]byte(statsJSON.String), &r.Stats); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal stats for run %s", r.ID)
		}
	}
	r.Error = errMsg.String
	r.ErrorType = errType.String
	return &r, nil
}

// timestampLayout is fixed width so TEXT timestamps sort chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse date %q", s)
	}
	return t, nil
}

func nullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

var _ Store = (*SQLiteStore)(nil)
