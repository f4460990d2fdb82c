package stage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source is the month-end metric snapshot for one customer. Monetary
// values are in JPY.
type Source struct {
	TotalBalance                   decimal.Decimal `json:"total_balance"`
	ForeignCurrencyBalance         decimal.Decimal `json:"foreign_currency_balance"`
	InvestmentTrustBalance         decimal.Decimal `json:"investment_trust_balance"`
	MonthlyForeignCurrencyPurchase decimal.Decimal `json:"monthly_foreign_currency_purchase"`
	MonthlyInvestmentTrustPurchase decimal.Decimal `json:"monthly_investment_trust_purchase"`
	HousingLoanBalance             decimal.Decimal `json:"housing_loan_balance"`
	MonthlyFxTradingVolume         int             `json:"monthly_fx_trading_volume"`
}

// Input is everything the engine needs to evaluate one customer.
type Input struct {
	CustomerID       string    `json:"customer_id"`
	CurrentStageCode Code      `json:"current_stage_code"`
	CalculationDate  time.Time `json:"calculation_date"`
	Source           Source    `json:"source"`
}

// DateOf truncates t to its calendar date at UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextMonth returns the first and last day of the month following date.
func NextMonth(date time.Time) (first, last time.Time) {
	y, m, _ := date.Date()
	first = time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	last = first.AddDate(0, 1, -1)
	return first, last
}
