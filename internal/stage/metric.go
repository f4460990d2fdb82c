package stage

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// ConditionType selects the snapshot metric a condition is tested against.
type ConditionType string

const (
	TotalBalance                   ConditionType = "TOTAL_BALANCE"
	MonthlyForeignCurrencyPurchase ConditionType = "MONTHLY_FOREIGN_CURRENCY_PURCHASE"
	MonthlyInvestmentTrustPurchase ConditionType = "MONTHLY_INVESTMENT_TRUST_PURCHASE"
	CombinedBalanceGold            ConditionType = "COMBINED_BALANCE_GOLD"
	CombinedBalancePlatinum        ConditionType = "COMBINED_BALANCE_PLATINUM"
	HousingLoan                    ConditionType = "HOUSING_LOAN"
	FxTrading                      ConditionType = "FX_TRADING"
)

// ErrUnknownConditionType is returned for a metric selector outside the
// fixed set. Reaching it during evaluation means a condition bypassed
// load-time validation.
var ErrUnknownConditionType = eris.New("stage: unknown condition type")

// ConditionTypes returns every supported metric selector.
func ConditionTypes() []ConditionType {
	return []ConditionType{
		TotalBalance,
		MonthlyForeignCurrencyPurchase,
		MonthlyInvestmentTrustPurchase,
		CombinedBalanceGold,
		CombinedBalancePlatinum,
		HousingLoan,
		FxTrading,
	}
}

// ParseConditionType validates a stored metric selector.
func ParseConditionType(s string) (ConditionType, error) {
	t := ConditionType(s)
	if !t.Valid() {
		return "", eris.Wrapf(ErrUnknownConditionType, "stage: parse %q", s)
	}
	return t, nil
}

// Valid reports whether t is a supported metric selector.
func (t ConditionType) Valid() bool {
	switch t {
	case TotalBalance, MonthlyForeignCurrencyPurchase, MonthlyInvestmentTrustPurchase,
		CombinedBalanceGold, CombinedBalancePlatinum, HousingLoan, FxTrading:
		return true
	default:
		return false
	}
}

// Extract returns the metric value t reads from src.
func (t ConditionType) Extract(src Source) (decimal.Decimal, error) {
	switch t {
	case TotalBalance:
		return src.TotalBalance, nil
	case MonthlyForeignCurrencyPurchase:
		return src.MonthlyForeignCurrencyPurchase, nil
	case MonthlyInvestmentTrustPurchase:
		return src.MonthlyInvestmentTrustPurchase, nil
	case CombinedBalanceGold, CombinedBalancePlatinum:
		// Same figure under two selectors so gold and platinum brackets can
		// be configured independently.
		return src.ForeignCurrencyBalance.Add(src.InvestmentTrustBalance), nil
	case HousingLoan:
		return src.HousingLoanBalance, nil
	case FxTrading:
		return decimal.NewFromInt(int64(src.MonthlyFxTradingVolume)), nil
	default:
		return decimal.Zero, eris.Wrapf(ErrUnknownConditionType, "stage: extract %q", string(t))
	}
}
