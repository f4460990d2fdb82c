package stage

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Category distinguishes the two condition variants.
type Category string

const (
	CategoryStage      Category = "STAGE"
	CategoryRankChange Category = "RANK_CHANGE"
)

// ErrUnknownCategory is returned when a stored category cannot be parsed.
var ErrUnknownCategory = eris.New("stage: unknown condition category")

// ParseCategory validates a stored condition category.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryStage, CategoryRankChange:
		return c, nil
	default:
		return "", eris.Wrapf(ErrUnknownCategory, "stage: parse %q", s)
	}
}

// Condition is a time-bounded rule tested against one snapshot metric.
// It is implemented only by StageCondition and RankChangeCondition.
type Condition interface {
	Base() Definition
	Category() Category
	IsMet(value decimal.Decimal) bool
	IsEffective(date time.Time) bool
	isCondition()
}

// Definition holds the fields shared by both condition variants.
type Definition struct {
	ID        int           `json:"id"`
	Type      ConditionType `json:"condition_type"`
	Name      string        `json:"condition_name"`
	ValidFrom time.Time     `json:"valid_from"`
	ValidTo   time.Time     `json:"valid_to"`
}

// Base returns the shared definition.
func (d Definition) Base() Definition {
	return d
}

// IsEffective reports whether date lies within [ValidFrom, ValidTo],
// inclusive on both ends. Only the calendar date is compared.
func (d Definition) IsEffective(date time.Time) bool {
	day := DateOf(date)
	return !day.Before(DateOf(d.ValidFrom)) && !day.After(DateOf(d.ValidTo))
}

// StageCondition qualifies a customer for StageCode when the metric falls
// in the half-open range [MinValue, MaxValue).
type StageCondition struct {
	Definition
	StageCode Code            `json:"stage_code"`
	MinValue  decimal.Decimal `json:"min_value"`
	MaxValue  decimal.Decimal `json:"max_value"`
}

func (StageCondition) Category() Category { return CategoryStage }

// IsMet excludes MaxValue so adjacent brackets never both match.
func (c StageCondition) IsMet(value decimal.Decimal) bool {
	return value.GreaterThanOrEqual(c.MinValue) && value.LessThan(c.MaxValue)
}

func (StageCondition) isCondition() {}

// RankChangeCondition grants RankChangeLevels extra ranks when the metric
// reaches ThresholdValue.
type RankChangeCondition struct {
	Definition
	ThresholdValue   decimal.Decimal `json:"threshold_value"`
	RankChangeLevels int             `json:"rank_change_levels"`
}

func (RankChangeCondition) Category() Category { return CategoryRankChange }

func (c RankChangeCondition) IsMet(value decimal.Decimal) bool {
	return value.GreaterThanOrEqual(c.ThresholdValue)
}

func (RankChangeCondition) isCondition() {}
