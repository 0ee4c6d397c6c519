package program

import (
	"fmt"

	"github.com/shopspring/decimal"

	"atelierloyalty/backend/internal/domain"
)

// Redemption validation error codes.
const (
	CodeBelowMinimum      = "below_minimum_points"
	CodeInsufficientFunds = "insufficient_points"
	CodePercentageCap     = "exceeds_percentage_cap"
)

var hundred = decimal.New(100, 0)

// RedemptionValue converts points into currency through the configured
// conversion rate (conversion_rate points per currency unit).
func (e *Engine) RedemptionValue(points int64) decimal.Decimal {
	return decimal.NewFromInt(points).Div(decimal.NewFromInt(e.rules.Redemption.ConversionRate))
}

// ValidateRedemption checks a redemption request against the configured
// rules and the customer's available balance. It returns the currency value
// the redemption applies against the order, or a *domain.ValidationError.
// No state is touched here; the store revalidates the balance under lock.
func (e *Engine) ValidateRedemption(pointsToRedeem int64, availablePoints int64, orderTotal decimal.Decimal) (decimal.Decimal, error) {
	rule := e.rules.Redemption

	if pointsToRedeem < rule.MinimumPoints {
		return decimal.Zero, &domain.ValidationError{
			Code:    CodeBelowMinimum,
			Message: fmt.Sprintf("at least %d points must be redeemed at once", rule.MinimumPoints),
		}
	}
	if pointsToRedeem > availablePoints {
		return decimal.Zero, &domain.ValidationError{
			Code:    CodeInsufficientFunds,
			Message: fmt.Sprintf("%d points requested but only %d available", pointsToRedeem, availablePoints),
		}
	}

	value := e.RedemptionValue(pointsToRedeem)
	maxValue := orderTotal.Mul(rule.MaximumPercentage).Div(hundred)
	if value.GreaterThan(maxValue) {
		return decimal.Zero, &domain.ValidationError{
			Code:    CodePercentageCap,
			Message: fmt.Sprintf("redemption value %s exceeds %s%% of the order total", value.String(), rule.MaximumPercentage.String()),
		}
	}

	return value, nil
}
