package stage

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	fixtureFrom = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fixtureTo   = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	unbounded   = decimal.RequireFromString("1000000000000")
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func stageCond(id int, typ ConditionType, code Code, minValue, maxValue decimal.Decimal) StageCondition {
	return StageCondition{
		Definition: Definition{ID: id, Type: typ, Name: string(typ), ValidFrom: fixtureFrom, ValidTo: fixtureTo},
		StageCode:  code,
		MinValue:   minValue,
		MaxValue:   maxValue,
	}
}

func rankCond(id int, typ ConditionType, threshold decimal.Decimal, levels int) RankChangeCondition {
	return RankChangeCondition{
		Definition:       Definition{ID: id, Type: typ, Name: string(typ), ValidFrom: fixtureFrom, ValidTo: fixtureTo},
		ThresholdValue:   threshold,
		RankChangeLevels: levels,
	}
}

// referenceConditions mirrors testdata/conditions.yaml in the ruleset package.
func referenceConditions() []Condition {
	return []Condition{
		stageCond(1, TotalBalance, Silver, dec("3000000"), unbounded),
		stageCond(2, MonthlyForeignCurrencyPurchase, Silver, dec("30000"), unbounded),
		stageCond(3, MonthlyInvestmentTrustPurchase, Silver, dec("30000"), unbounded),
		stageCond(4, CombinedBalanceGold, Gold, dec("5000000"), dec("10000000")),
		stageCond(5, CombinedBalancePlatinum, Platinum, dec("10000000"), unbounded),
		rankCond(6, HousingLoan, dec("1"), 1),
		rankCond(7, FxTrading, dec("1000"), 1),
	}
}

type sourceOpt func(*Source)

func newSource(opts ...sourceOpt) Source {
	s := Source{
		TotalBalance:                   decimal.Zero,
		ForeignCurrencyBalance:         decimal.Zero,
		InvestmentTrustBalance:         decimal.Zero,
		MonthlyForeignCurrencyPurchase: decimal.Zero,
		MonthlyInvestmentTrustPurchase: decimal.Zero,
		HousingLoanBalance:             decimal.Zero,
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

func withTotal(v string) sourceOpt { return func(s *Source) { s.TotalBalance = dec(v) } }
func withForeign(v string) sourceOpt {
	return func(s *Source) { s.ForeignCurrencyBalance = dec(v) }
}
func withInvestment(v string) sourceOpt {
	return func(s *Source) { s.InvestmentTrustBalance = dec(v) }
}
func withForeignPurchase(v string) sourceOpt {
	return func(s *Source) { s.MonthlyForeignCurrencyPurchase = dec(v) }
}
func withInvestmentPurchase(v string) sourceOpt {
	return func(s *Source) { s.MonthlyInvestmentTrustPurchase = dec(v) }
}
func withHousingLoan(v string) sourceOpt {
	return func(s *Source) { s.HousingLoanBalance = dec(v) }
}
func withFxVolume(n int) sourceOpt { return func(s *Source) { s.MonthlyFxTradingVolume = n } }
