package stage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Calculation is the result of one customer/month evaluation before it has
// been persisted.
type Calculation struct {
	CustomerID       string    `json:"customer_id"`
	CalculationDate  time.Time `json:"calculation_date"`
	ValidFrom        time.Time `json:"valid_from"`
	ValidTo          time.Time `json:"valid_to"`
	CurrentStageCode Code      `json:"current_stage_code"`
	FinalStageCode   Code      `json:"final_stage_code"`
	Source
}

// AssignID promotes c to its persisted form.
func (c Calculation) AssignID(id int64) AssignedCalculation {
	return AssignedCalculation{ID: id, Calculation: c}
}

// AssignedCalculation is a Calculation carrying the surrogate id given by
// the store.
type AssignedCalculation struct {
	ID int64 `json:"id"`
	Calculation
}

// EvaluationResult is the audited outcome of one condition for one
// customer, not yet linked to a calculation.
type EvaluationResult struct {
	ConditionID    int             `json:"condition_id"`
	IsMet          bool            `json:"is_met"`
	EvaluatedValue decimal.Decimal `json:"evaluated_value"`
}

// AssignCalculationID links r to its persisted calculation.
func (r EvaluationResult) AssignCalculationID(calculationID int64) AssignedEvaluationResult {
	return AssignedEvaluationResult{CalculationID: calculationID, EvaluationResult: r}
}

// AssignedEvaluationResult is an EvaluationResult linked to a calculation.
type AssignedEvaluationResult struct {
	CalculationID int64 `json:"calculation_id"`
	EvaluationResult
}

// Transition records a stage change, not yet linked to a calculation.
type Transition struct {
	CustomerID        string    `json:"customer_id"`
	PreviousStageCode Code      `json:"previous_stage_code"`
	CurrentStageCode  Code      `json:"current_stage_code"`
	TransitionDate    time.Time `json:"transition_date"`
}

// AssignCalculationID links t to its persisted calculation.
func (t Transition) AssignCalculationID(calculationID int64) AssignedTransition {
	return AssignedTransition{CalculationID: calculationID, Transition: t}
}

// AssignedTransition is a Transition linked to a calculation.
type AssignedTransition struct {
	CalculationID int64 `json:"calculation_id"`
	Transition
}

// IsPromotion reports whether the transition moves to a higher stage.
func (t Transition) IsPromotion() bool {
	return t.CurrentStageCode.IsBetterThan(t.PreviousStageCode)
}

// Outcome is everything Evaluate produces for one customer.
type Outcome struct {
	Calculation Calculation        `json:"calculation"`
	Results     []EvaluationResult `json:"results"`
	Transition  *Transition        `json:"transition,omitempty"`
}

// Persisted is an Outcome after the store assigned the calculation id.
type Persisted struct {
	Calculation AssignedCalculation        `json:"calculation"`
	Results     []AssignedEvaluationResult `json:"results"`
	Transition  *AssignedTransition        `json:"transition,omitempty"`
}

// Assign promotes every record of o using the calculation id chosen by the
// store.
func (o Outcome) Assign(calculationID int64) Persisted {
	p := Persisted{
		Calculation: o.Calculation.AssignID(calculationID),
		Results:     make([]AssignedEvaluationResult, len(o.Results)),
	}
	for i, r := range o.Results {
		p.Results[i] = r.AssignCalculationID(calculationID)
	}
	if o.Transition != nil {
		t := o.Transition.AssignCalculationID(calculationID)
		p.Transition = &t
	}
	return p
}
