// Package stage implements the monthly customer stage evaluation engine:
// the condition model, metric extraction, aggregation and transition detection.
package stage

import (
	"cmp"
	"slices"

	"github.com/rotisserie/eris"
)

// Code is a loyalty stage. Codes are totally ordered by rank.
type Code int

const (
	None Code = iota
	Silver
	Gold
	Platinum
)

var codeNames = [...]string{
	None:     "NONE",
	Silver:   "SILVER",
	Gold:     "GOLD",
	Platinum: "PLATINUM",
}

// ErrUnknownStageCode is returned when a stage code cannot be parsed.
var ErrUnknownStageCode = eris.New("stage: unknown stage code")

// ParseCode converts a stored stage code such as "GOLD" into a Code.
func ParseCode(s string) (Code, error) {
	for i, name := range codeNames {
		if name == s {
			return Code(i), nil
		}
	}
	return None, eris.Wrapf(ErrUnknownStageCode, "stage: parse %q", s)
}

// Codes returns every stage code in rank order.
func Codes() []Code {
	return []Code{None, Silver, Gold, Platinum}
}

func (c Code) String() string {
	if !c.Valid() {
		return "UNKNOWN"
	}
	return codeNames[c]
}

// Valid reports whether c is one of the four defined stages.
func (c Code) Valid() bool {
	return c >= None && c <= Platinum
}

// RankUp advances c by levels ranks, capped at Platinum. Non-positive
// levels return c unchanged.
func (c Code) RankUp(levels int) Code {
	if levels <= 0 {
		return c
	}
	if levels >= int(Platinum-c) {
		return Platinum
	}
	return c + Code(levels)
}

// IsBetterThan reports whether c ranks strictly above other.
func (c Code) IsBetterThan(other Code) bool {
	return c > other
}

func (c Code) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, eris.Wrapf(ErrUnknownStageCode, "stage: marshal %d", int(c))
	}
	return []byte(codeNames[c]), nil
}

func (c *Code) UnmarshalText(text []byte) error {
	parsed, err := ParseCode(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Stage is the display record for a stage code.
type Stage struct {
	Code  Code   `json:"stage_code"`
	Name  string `json:"stage_name"`
	Order int    `json:"stage_order"`
}

// Compare orders stages by their display order.
func (s Stage) Compare(other Stage) int {
	return cmp.Compare(s.Order, other.Order)
}

// DefaultStages returns the stage catalogue seeded into the stages table.
func DefaultStages() []Stage {
	return []Stage{
		{Code: None, Name: "None", Order: 0},
		{Code: Silver, Name: "Silver", Order: 1},
		{Code: Gold, Name: "Gold", Order: 2},
		{Code: Platinum, Name: "Platinum", Order: 3},
	}
}

// SortStages sorts stages in place by display order.
func SortStages(stages []Stage) {
	slices.SortStableFunc(stages, Stage.Compare)
}
