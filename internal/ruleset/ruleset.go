// Package ruleset loads and validates stage condition definitions.
package ruleset

import (
	"cmp"
	"context"
	"os"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/stage-batch/internal/stage"
)

// Row is the flat, storage-shaped form of a condition. Stage-only and
// rank-change-only fields are nil for the other category.
type Row struct {
	ID               int     `yaml:"id"`
	Type             string  `yaml:"type"`
	Name             string  `yaml:"name"`
	Category         string  `yaml:"category"`
	StageCode        *string `yaml:"stage_code,omitempty"`
	MinValue         *string `yaml:"min_value,omitempty"`
	MaxValue         *string `yaml:"max_value,omitempty"`
	ThresholdValue   *string `yaml:"threshold_value,omitempty"`
	RankChangeLevels *int    `yaml:"rank_change_levels,omitempty"`
	ValidFrom        string  `yaml:"valid_from"`
	ValidTo          string  `yaml:"valid_to"`
}

type document struct {
	Conditions []Row `yaml:"conditions"`
}

// LoadFile reads a YAML condition fixture and returns validated conditions
// ordered by id.
func LoadFile(path string) ([]stage.Condition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ruleset: read %s", path)
	}
	return Parse(data)
}

// Parse decodes a YAML condition document.
func Parse(data []byte) ([]stage.Condition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "ruleset: parse yaml")
	}

	conds := make([]stage.Condition, 0, len(doc.Conditions))
	for _, row := range doc.Conditions {
		c, err := row.Condition()
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	if err := Validate(conds); err != nil {
		return nil, err
	}
	SortByID(conds)
	return conds, nil
}

// Condition converts r into its typed variant. Values are parsed but not
// range-checked; see Validate.
func (r Row) Condition() (stage.Condition, error) {
	typ, err := stage.ParseConditionType(r.Type)
	if err != nil {
		return nil, eris.Wrapf(err, "ruleset: condition %d", r.ID)
	}
	category, err := stage.ParseCategory(r.Category)
	if err != nil {
		return nil, eris.Wrapf(err, "ruleset: condition %d", r.ID)
	}
	validFrom, err := parseDate(r.ValidFrom)
	if err != nil {
		return nil, eris.Wrapf(err, "ruleset: condition %d valid_from", r.ID)
	}
	validTo, err := parseDate(r.ValidTo)
	if err != nil {
		return nil, eris.Wrapf(err, "ruleset: condition %d valid_to", r.ID)
	}

	def := stage.Definition{ID: r.ID, Type: typ, Name: r.Name, ValidFrom: validFrom, ValidTo: validTo}

	switch category {
	case stage.CategoryStage:
		if r.StageCode == nil {
			return nil, eris.Errorf("ruleset: condition %d: stage_code is required", r.ID)
		}
		code, err := stage.ParseCode(*r.StageCode)
		if err != nil {
			return nil, eris.Wrapf(err, "ruleset: condition %d", r.ID)
		}
		minValue, err := requireDecimal(r.MinValue, "min_value")
		if err != nil {
			return nil, eris.Wrapf(err, "ruleset: condition %d", r.ID)
		}
		maxValue, err := requireDecimal(r.MaxValue, "max_value")
		if err != nil {
			return nil, eris.Wrapf(err, "ruleset: condition %d", r.ID)
		}
		return stage.StageCondition{Definition: def, StageCode: code, MinValue: minValue, MaxValue: maxValue}, nil
	default:
		threshold, err := requireDecimal(r.ThresholdValue, "threshold_value")
		if err != nil {
			return nil, eris.Wrapf(err, "ruleset: condition %d", r.ID)
		}
		if r.RankChangeLevels == nil {
			return nil, eris.Errorf("ruleset: condition %d: rank_change_levels is required", r.ID)
		}
		return stage.RankChangeCondition{Definition: def, ThresholdValue: threshold, RankChangeLevels: *r.RankChangeLevels}, nil
	}
}

// RowOf flattens c into its storage form.
func RowOf(c stage.Condition) Row {
	def := c.Base()
	r := Row{
		ID:        def.ID,
		Type:      string(def.Type),
		Name:      def.Name,
		Category:  string(c.Category()),
		ValidFrom: def.ValidFrom.Format(time.DateOnly),
		ValidTo:   def.ValidTo.Format(time.DateOnly),
	}
	switch v := c.(type) {
	case stage.StageCondition:
		code := v.StageCode.String()
		minValue, maxValue := v.MinValue.String(), v.MaxValue.String()
		r.StageCode, r.MinValue, r.MaxValue = &code, &minValue, &maxValue
	case stage.RankChangeCondition:
		threshold := v.ThresholdValue.String()
		levels := v.RankChangeLevels
		r.ThresholdValue, r.RankChangeLevels = &threshold, &levels
	}
	return r
}

// Effective returns the conditions in effect on asOf, ordered by id.
func Effective(conds []stage.Condition, asOf time.Time) []stage.Condition {
	var out []stage.Condition
	for _, c := range conds {
		if c.IsEffective(asOf) {
			out = append(out, c)
		}
	}
	SortByID(out)
	return out
}

// SortByID orders conditions by ascending id.
func SortByID(conds []stage.Condition) {
	slices.SortStableFunc(conds, func(a, b stage.Condition) int {
		return cmp.Compare(a.Base().ID, b.Base().ID)
	})
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "ruleset: parse date %q", s)
	}
	return t, nil
}

func requireDecimal(s *string, field string) (decimal.Decimal, error) {
	if s == nil {
		return decimal.Zero, eris.Errorf("ruleset: %s is required", field)
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "ruleset: parse %s %q", field, *s)
	}
	return d, nil
}

// Static serves a fixed condition set, typically loaded with LoadFile, in
// place of a store.
type Static []stage.Condition

// EffectiveConditions returns the members of s in effect on asOf.
func (s Static) EffectiveConditions(_ context.Context, asOf time.Time) ([]stage.Condition, error) {
	return Effective(s, asOf), nil
}
