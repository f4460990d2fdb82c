package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stage-batch/internal/ruleset"
	"github.com/sells-group/stage-batch/internal/snapshot"
	"github.com/sells-group/stage-batch/internal/stage"
)

var calcDate = time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)

func referenceConditions(t *testing.T) []stage.Condition {
	t.Helper()
	conds, err := ruleset.LoadFile(filepath.Join("..", "ruleset", "testdata", "conditions.yaml"))
	require.NoError(t, err)
	return conds
}

func referenceOutcomes(t *testing.T, conds []stage.Condition) []stage.Outcome {
	t.Helper()
	f, err := os.Open(filepath.Join("..", "snapshot", "testdata", "reference.csv"))
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	recCh, errCh := snapshot.Stream(context.Background(), f, snapshot.Options{SkipHeader: true})
	var outcomes []stage.Outcome
	for rec := range recCh {
		require.NoError(t, rec.Err)
		o, err := stage.Evaluate(rec.Input, conds)
		require.NoError(t, err)
		outcomes = append(outcomes, o)
	}
	for err := range errCh {
		require.NoError(t, err)
	}
	require.Len(t, outcomes, 11)
	return outcomes
}

func rowsOf(conds []stage.Condition) []ruleset.Row {
	rows := make([]ruleset.Row, len(conds))
	for i, c := range conds {
		rows[i] = ruleset.RowOf(c)
	}
	return rows
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Migrate(context.Background()))
	})

	t.Run("SaveAndLoadConditions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conds := referenceConditions(t)

		n, err := s.SaveConditions(ctx, conds)
		require.NoError(t, err)
		assert.Equal(t, 7, n)

		got, err := s.EffectiveConditions(ctx, calcDate)
		require.NoError(t, err)
		assert.Equal(t, rowsOf(conds), rowsOf(got))

		// Saving again updates in place.
		_, err = s.SaveConditions(ctx, conds)
		require.NoError(t, err)
		got, err = s.EffectiveConditions(ctx, calcDate)
		require.NoError(t, err)
		assert.Len(t, got, 7)
	})

	t.Run("EffectiveConditionsFiltersByDate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		may := stage.RankChangeCondition{
			Definition: stage.Definition{
				ID: 10, Type: stage.HousingLoan, Name: "may only",
				ValidFrom: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
				ValidTo:   time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC),
			},
			ThresholdValue:   decimal.NewFromInt(1),
			RankChangeLevels: 2,
		}
		_, err := s.SaveConditions(ctx, append(referenceConditions(t), may))
		require.NoError(t, err)

		april, err := s.EffectiveConditions(ctx, calcDate)
		require.NoError(t, err)
		assert.Len(t, april, 7)

		mayDay, err := s.EffectiveConditions(ctx, time.Date(2025, 5, 31, 15, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.Len(t, mayDay, 8)
		assert.Equal(t, 10, mayDay[7].Base().ID)

		before, err := s.EffectiveConditions(ctx, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Empty(t, before)
	})

	t.Run("CategoryChangeReplacesVariant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conds := referenceConditions(t)
		_, err := s.SaveConditions(ctx, conds)
		require.NoError(t, err)

		def := conds[0].Base()
		def.Type = stage.FxTrading
		replaced := stage.RankChangeCondition{Definition: def, ThresholdValue: decimal.NewFromInt(5), RankChangeLevels: 1}
		_, err = s.SaveConditions(ctx, []stage.Condition{replaced})
		require.NoError(t, err)

		got, err := s.EffectiveConditions(ctx, calcDate)
		require.NoError(t, err)
		require.Len(t, got, 7)
		rc, ok := got[0].(stage.RankChangeCondition)
		require.True(t, ok, "got %T", got[0])
		assert.True(t, rc.ThresholdValue.Equal(decimal.NewFromInt(5)))
	})

	t.Run("SaveConditionsRejectsInvalid", func(t *testing.T) {
		s := newStore(t)
		bad := referenceConditions(t)[3].(stage.StageCondition)
		bad.MinValue = decimal.NewFromInt(20_000_000)

		_, err := s.SaveConditions(context.Background(), []stage.Condition{bad})
		require.Error(t, err)
		assert.ErrorIs(t, err, ruleset.ErrInvalidCondition)
	})

	t.Run("SaveOutcomesAssignsIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conds := referenceConditions(t)
		_, err := s.SaveConditions(ctx, conds)
		require.NoError(t, err)

		run, err := s.StartRun(ctx, RunStart{AsOf: calcDate, Input: "reference.csv"})
		require.NoError(t, err)

		outcomes := referenceOutcomes(t, conds)
		first, err := s.SaveOutcomes(ctx, run.ID, outcomes[:6])
		require.NoError(t, err)
		second, err := s.SaveOutcomes(ctx, run.ID, outcomes[6:])
		require.NoError(t, err)
		persisted := append(first, second...)
		require.Len(t, persisted, 11)

		seen := map[int64]bool{}
		var results, transitions int
		for i, p := range persisted {
			id := p.Calculation.ID
			assert.Positive(t, id)
			assert.False(t, seen[id], "duplicate id %d", id)
			seen[id] = true
			assert.Equal(t, outcomes[i].Calculation, p.Calculation.Calculation)
			for _, r := range p.Results {
				assert.Equal(t, id, r.CalculationID)
			}
			results += len(p.Results)
			if p.Transition != nil {
				assert.Equal(t, id, p.Transition.CalculationID)
				transitions++
			}
		}
		assert.Equal(t, 77, results)
		assert.Equal(t, 10, transitions)

		none, err := s.SaveOutcomes(ctx, run.ID, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("RunLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.StartRun(ctx, RunStart{AsOf: calcDate.Add(5 * time.Hour), Input: "april.csv"})
		require.NoError(t, err)
		assert.Equal(t, RunStatusRunning, ok.Status)
		assert.Equal(t, calcDate, ok.AsOf)
		assert.NotEmpty(t, ok.ID)

		stats := RunStats{Read: 11, Evaluated: 11, Persisted: 11, Transitions: 10, Promotions: 8, Demotions: 2,
			ByStage: map[string]int{"NONE": 1, "SILVER": 6, "GOLD": 2, "PLATINUM": 2}}
		require.NoError(t, s.CompleteRun(ctx, ok.ID, stats))

		time.Sleep(2 * time.Millisecond)
		bad, err := s.StartRun(ctx, RunStart{AsOf: calcDate, Input: "may.csv"})
		require.NoError(t, err)
		require.NoError(t, s.FailRun(ctx, bad.ID, RunStats{Read: 3}, errors.New("snapshot: line 4: malformed record")))

		runs, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, bad.ID, runs[0].ID)
		assert.Equal(t, RunStatusFailed, runs[0].Status)
		assert.Equal(t, "permanent", runs[0].ErrorType)
		assert.Contains(t, runs[0].Error, "malformed record")
		assert.NotNil(t, runs[0].CompletedAt)

		assert.Equal(t, ok.ID, runs[1].ID)
		assert.Equal(t, stats, runs[1].Stats)
		assert.Equal(t, "april.csv", runs[1].Input)
		assert.Empty(t, runs[1].Error)

		complete, err := s.ListRuns(ctx, RunFilter{Status: RunStatusComplete})
		require.NoError(t, err)
		require.Len(t, complete, 1)
		assert.Equal(t, ok.ID, complete[0].ID)

		limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("FinishUnknownRun", func(t *testing.T) {
		s := newStore(t)
		err := s.CompleteRun(context.Background(), "does-not-exist", RunStats{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}
