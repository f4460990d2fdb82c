package stage

import (
	"cmp"
	"slices"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// ErrUnknownCondition is returned when a Condition is neither a
// StageCondition nor a RankChangeCondition.
var ErrUnknownCondition = eris.New("stage: unknown condition variant")

// Evaluation pairs a condition with its outcome for one snapshot.
type Evaluation struct {
	Condition      Condition
	IsMet          bool
	EvaluatedValue decimal.Decimal
}

// Result returns the audit record for e.
func (e Evaluation) Result() EvaluationResult {
	return EvaluationResult{
		ConditionID:    e.Condition.Base().ID,
		IsMet:          e.IsMet,
		EvaluatedValue: e.EvaluatedValue,
	}
}

// EvaluateCondition extracts c's metric from src and applies its
// satisfaction rule.
func EvaluateCondition(c Condition, src Source) (Evaluation, error) {
	if c == nil {
		return Evaluation{}, eris.Wrap(ErrUnknownCondition, "stage: nil condition")
	}
	def := c.Base()
	value, err := def.Type.Extract(src)
	if err != nil {
		return Evaluation{}, eris.Wrapf(err, "stage: condition %d", def.ID)
	}
	return Evaluation{Condition: c, IsMet: c.IsMet(value), EvaluatedValue: value}, nil
}

// Aggregation breaks down how the final stage was reached.
type Aggregation struct {
	BaseStage        Code `json:"base_stage"`
	RankChangeLevels int  `json:"rank_change_levels"`
	FinalStage       Code `json:"final_stage"`
}

// Aggregate combines condition outcomes into a final stage. The base stage
// is the highest target among met stage conditions (None if none are met);
// every met rank-change condition then adds its levels on top. The
// customer's prior stage plays no part, so demotion is possible.
func Aggregate(evals []Evaluation) (Aggregation, error) {
	agg := Aggregation{BaseStage: None}
	for _, e := range evals {
		switch c := e.Condition.(type) {
		case StageCondition:
			if e.IsMet && c.StageCode > agg.BaseStage {
				agg.BaseStage = c.StageCode
			}
		case RankChangeCondition:
			// Capped at the top rank so large level counts cannot overflow.
			if e.IsMet {
				agg.RankChangeLevels = min(agg.RankChangeLevels+min(c.RankChangeLevels, int(Platinum)), int(Platinum))
			}
		default:
			return Aggregation{}, eris.Wrapf(ErrUnknownCondition, "stage: aggregate %T", e.Condition)
		}
	}
	agg.FinalStage = agg.BaseStage.RankUp(agg.RankChangeLevels)
	return agg, nil
}

// DetectTransition returns a transition when final differs from current,
// dated validFrom. It returns nil for no change.
func DetectTransition(calc Calculation) *Transition {
	if calc.FinalStageCode == calc.CurrentStageCode {
		return nil
	}
	return &Transition{
		CustomerID:        calc.CustomerID,
		PreviousStageCode: calc.CurrentStageCode,
		CurrentStageCode:  calc.FinalStageCode,
		TransitionDate:    calc.ValidFrom,
	}
}

// Evaluate runs every condition against in and produces the customer's
// calculation, per-condition results ordered by condition id, and a
// transition when the stage changed. conditions must already be filtered
// to the run's effective set; Evaluate does not re-check effectiveness.
func Evaluate(in Input, conditions []Condition) (Outcome, error) {
	if slices.Contains(conditions, nil) {
		return Outcome{}, eris.Wrapf(ErrUnknownCondition, "stage: evaluate customer %s: nil condition", in.CustomerID)
	}
	ordered := slices.Clone(conditions)
	slices.SortStableFunc(ordered, func(a, b Condition) int {
		return cmp.Compare(a.Base().ID, b.Base().ID)
	})

	evals := make([]Evaluation, 0, len(ordered))
	results := make([]EvaluationResult, 0, len(ordered))
	for _, c := range ordered {
		e, err := EvaluateCondition(c, in.Source)
		if err != nil {
			return Outcome{}, eris.Wrapf(err, "stage: evaluate customer %s", in.CustomerID)
		}
		evals = append(evals, e)
		results = append(results, e.Result())
	}

	agg, err := Aggregate(evals)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "stage: evaluate customer %s", in.CustomerID)
	}

	calcDate := DateOf(in.CalculationDate)
	validFrom, validTo := NextMonth(calcDate)
	calc := Calculation{
		CustomerID:       in.CustomerID,
		CalculationDate:  calcDate,
		ValidFrom:        validFrom,
		ValidTo:          validTo,
		CurrentStageCode: in.CurrentStageCode,
		FinalStageCode:   agg.FinalStage,
		Source:           in.Source,
	}

	return Outcome{
		Calculation: calc,
		Results:     results,
		Transition:  DetectTransition(calc),
	}, nil
}
