package ruleset

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/stage-batch/internal/stage"
)

func validStage(id int) stage.StageCondition {
	return stage.StageCondition{
		Definition: stage.Definition{
			ID:        id,
			Type:      stage.TotalBalance,
			Name:      "total",
			ValidFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			ValidTo:   time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		StageCode: stage.Silver,
		MinValue:  decimal.NewFromInt(100),
		MaxValue:  decimal.NewFromInt(200),
	}
}

func validRank(id int) stage.RankChangeCondition {
	return stage.RankChangeCondition{
		Definition: stage.Definition{
			ID:        id,
			Type:      stage.FxTrading,
			Name:      "fx",
			ValidFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			ValidTo:   time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		ThresholdValue:   decimal.NewFromInt(1000),
		RankChangeLevels: 1,
	}
}

func TestValidate_OK(t *testing.T) {
	empty := validStage(3)
	empty.MaxValue = empty.MinValue

	assert.NoError(t, Validate([]stage.Condition{validStage(1), validRank(2), empty}))
	assert.NoError(t, Validate(nil))
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func() stage.Condition
		message string
	}{
		{"zero id", func() stage.Condition { c := validStage(0); return c }, "id must be positive"},
		{"unknown type", func() stage.Condition { c := validStage(1); c.Type = "BOGUS"; return c }, "unknown condition type"},
		{"blank name", func() stage.Condition { c := validRank(1); c.Name = "  "; return c }, "name is required"},
		{"missing window", func() stage.Condition { c := validRank(1); c.ValidTo = time.Time{}; return c }, "validity window is required"},
		{"inverted window", func() stage.Condition {
			c := validRank(1)
			c.ValidFrom, c.ValidTo = c.ValidTo, c.ValidFrom
			return c
		}, "valid_to is before valid_from"},
		{"bad stage code", func() stage.Condition { c := validStage(1); c.StageCode = stage.Code(9); return c }, "unknown stage code"},
		{"negative min", func() stage.Condition { c := validStage(1); c.MinValue = decimal.NewFromInt(-1); return c }, "min_value is negative"},
		{"inverted range", func() stage.Condition { c := validStage(1); c.MinValue = decimal.NewFromInt(500); return c }, "exceeds max_value"},
		{"negative threshold", func() stage.Condition {
			c := validRank(1)
			c.ThresholdValue = decimal.NewFromInt(-5)
			return c
		}, "threshold_value is negative"},
		{"negative levels", func() stage.Condition { c := validRank(1); c.RankChangeLevels = -1; return c }, "rank_change_levels is negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]stage.Condition{tt.mutate()})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCondition)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestValidate_Duplicates(t *testing.T) {
	err := Validate([]stage.Condition{validStage(4), validRank(4)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "condition 4: duplicate id")
}

func TestValidate_ReportsAll(t *testing.T) {
	a := validStage(1)
	a.Name = ""
	b := validRank(2)
	b.RankChangeLevels = -2

	err := Validate([]stage.Condition{a, nil, b})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "condition 1: name is required")
	assert.Contains(t, msg, "condition #1 is nil")
	assert.Contains(t, msg, "condition 2: rank_change_levels is negative")
}
