package program

import "github.com/shopspring/decimal"

type EarningInput struct {
	SourceType string
	Amount     decimal.Decimal
	Tier       string
}

type EarningResult struct {
	Points   int64
	Eligible bool
}

// EvaluateEarning computes raw points for a monetary source event:
// floor(amount × base_rate × tier_multiplier), clamped to the rule's
// maximum. Amounts below the rule's minimum, disabled rules, and unknown
// source types are not eligible; that is a silent no-op, never an error.
func (e *Engine) EvaluateEarning(in EarningInput) EarningResult {
	rule, ok := e.rules.Earning[in.SourceType]
	if !ok || !rule.Enabled {
		return EarningResult{}
	}
	if in.Amount.LessThan(rule.MinimumAmount) {
		return EarningResult{}
	}

	points := in.Amount.Mul(rule.BaseRate).Mul(e.multiplier(in.Tier)).Floor().IntPart()
	if rule.MaximumPoints > 0 && points > rule.MaximumPoints {
		points = rule.MaximumPoints
	}
	if points < 1 {
		return EarningResult{}
	}
	return EarningResult{Points: points, Eligible: true}
}
