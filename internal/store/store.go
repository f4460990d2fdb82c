// Package store persists stage conditions, calculation outcomes and batch
// run history in Postgres or SQLite.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/stage-batch/internal/ruleset"
	"github.com/sells-group/stage-batch/internal/stage"
)

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunStats are the counters recorded when a run finishes.
type RunStats struct {
	Read        int            `json:"read"`
	Evaluated   int            `json:"evaluated"`
	Skipped     int            `json:"skipped"`
	Persisted   int            `json:"persisted"`
	Transitions int            `json:"transitions"`
	Promotions  int            `json:"promotions"`
	Demotions   int            `json:"demotions"`
	ByStage     map[string]int `json:"by_stage,omitempty"`
}

// Run is a row of the batch run log.
type Run struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	AsOf        time.Time  `json:"as_of"`
	Input       string     `json:"input"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Stats       RunStats   `json:"stats"`
	Error       string     `json:"error,omitempty"`
	ErrorType   string     `json:"error_type,omitempty"`
}

// RunStart describes a run about to begin.
type RunStart struct {
	AsOf  time.Time
	Input string
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = eris.New("store: run not found")

// Store defines the persistence interface for the stage batch.
type Store interface {
	// Conditions
	EffectiveConditions(ctx context.Context, asOf time.Time) ([]stage.Condition, error)
	SaveConditions(ctx context.Context, conds []stage.Condition) (int, error)

	// Outcomes
	SaveOutcomes(ctx context.Context, runID string, outcomes []stage.Outcome) ([]stage.Persisted, error)

	// Run log
	StartRun(ctx context.Context, start RunStart) (*Run, error)
	CompleteRun(ctx context.Context, runID string, stats RunStats) error
	FailRun(ctx context.Context, runID string, stats RunStats, runErr error) error
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// conditionRecord is the joined shape of the condition tables, shared by
// both drivers before conversion.
type conditionRecord struct {
	ID               int
	Type             string
	Name             string
	Category         string
	ValidFrom        time.Time
	ValidTo          time.Time
	StageCode        *string
	MinValue         *decimal.Decimal
	MaxValue         *decimal.Decimal
	ThresholdValue   *decimal.Decimal
	RankChangeLevels *int
}

func (r conditionRecord) row() ruleset.Row {
	row := ruleset.Row{
		ID:               r.ID,
		Type:             r.Type,
		Name:             r.Name,
		Category:         r.Category,
		StageCode:        r.StageCode,
		RankChangeLevels: r.RankChangeLevels,
		ValidFrom:        r.ValidFrom.Format(time.DateOnly),
		ValidTo:          r.ValidTo.Format(time.DateOnly),
	}
	row.MinValue = decimalString(r.MinValue)
	row.MaxValue = decimalString(r.MaxValue)
	row.ThresholdValue = decimalString(r.ThresholdValue)
	return row
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// buildConditions converts joined records into validated conditions ordered
// by id. Stored rows go through the same checks as fixture files.
func buildConditions(records []conditionRecord) ([]stage.Condition, error) {
	conds := make([]stage.Condition, 0, len(records))
	for _, rec := range records {
		c, err := rec.row().Condition()
		if err != nil {
			return nil, eris.Wrapf(err, "store: load condition %d", rec.ID)
		}
		conds = append(conds, c)
	}
	if err := ruleset.Validate(conds); err != nil {
		return nil, eris.Wrap(err, "store: stored conditions")
	}
	ruleset.SortByID(conds)
	return conds, nil
}

// splitConditions partitions conds by variant for the per-table writes.
func splitConditions(conds []stage.Condition) (stages []stage.StageCondition, ranks []stage.RankChangeCondition) {
	for _, c := range conds {
		switch v := c.(type) {
		case stage.StageCondition:
			stages = append(stages, v)
		case stage.RankChangeCondition:
			ranks = append(ranks, v)
		}
	}
	return stages, ranks
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
