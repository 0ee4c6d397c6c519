// Package program is the pure rules engine for the loyalty program: the
// tier catalog and resolver, the earning evaluator, and the redemption
// validator. Nothing in this package touches the store; every function is
// a deterministic computation over the injected rule set.
package program

import (
	"github.com/shopspring/decimal"

	"atelierloyalty/backend/internal/config"
	"atelierloyalty/backend/internal/domain"
)

type Engine struct {
	rules config.Program
}

func New(rules config.Program) *Engine {
	return &Engine{rules: rules}
}

func (e *Engine) Rules() config.Program {
	return e.rules
}

// Tiers returns the catalog in ascending threshold order.
func (e *Engine) Tiers() []domain.TierDefinition {
	out := make([]domain.TierDefinition, len(e.rules.Tiers))
	copy(out, e.rules.Tiers)
	return out
}

func (e *Engine) TierByKey(key string) (domain.TierDefinition, bool) {
	for _, tier := range e.rules.Tiers {
		if tier.Key == key {
			return tier, true
		}
	}
	return domain.TierDefinition{}, false
}

// ResolveTier returns the key of the highest tier whose threshold is at or
// below the given lifetime points. The catalog is validated to be strictly
// increasing with a zero-threshold base tier, so there is always a match.
func (e *Engine) ResolveTier(lifetimePoints int64) string {
	current := e.rules.Tiers[0].Key
	for _, tier := range e.rules.Tiers {
		if tier.MinimumPoints > lifetimePoints {
			break
		}
		current = tier.Key
	}
	return current
}

// NextTier returns the lowest tier still above the given lifetime points,
// if any.
func (e *Engine) NextTier(lifetimePoints int64) (domain.TierDefinition, bool) {
	for _, tier := range e.rules.Tiers {
		if tier.MinimumPoints > lifetimePoints {
			return tier, true
		}
	}
	return domain.TierDefinition{}, false
}

func (e *Engine) multiplier(tierKey string) decimal.Decimal {
	if tier, ok := e.TierByKey(tierKey); ok {
		return tier.Multiplier
	}
	return decimal.New(1, 0)
}
