package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"atelierloyalty/backend/internal/domain"
)

// Negative-balance policies for reversals whose offset exceeds the current
// available balance (points were already redeemed before the refund).
const (
	NegativeBalanceClamp = "clamp"
	NegativeBalanceDebt  = "debt"
)

type EarningRule struct {
	Enabled       bool
	BaseRate      decimal.Decimal
	MinimumAmount decimal.Decimal
	MaximumPoints int64
}

type RedemptionRule struct {
	MinimumPoints     int64
	MaximumPercentage decimal.Decimal
	ConversionRate    int64
}

// Program is the immutable loyalty rule set injected into the engine at
// construction. It is never read from ambient global state.
type Program struct {
	Tiers                 []domain.TierDefinition
	Earning               map[string]EarningRule
	Redemption            RedemptionRule
	PointsExpiryMonths    int
	ExpiryWarningDays     int
	AutoCreateAccounts    bool
	AutoProcessOrders     bool
	AutoExpirePoints      bool
	NegativeBalancePolicy string
	SignupBonusPoints     int64
}

// DefaultProgram returns the built-in rule set: 1 point per KWD at the base
// tier, tier thresholds at 0/1000/5000/15000 lifetime points, 12-month
// expiry with a 30-day warning window.
func DefaultProgram() Program {
	return Program{
		Tiers: []domain.TierDefinition{
			{
				Key:           "bronze",
				DisplayName:   "Bronze",
				MinimumPoints: 0,
				Multiplier:    decimal.RequireFromString("1.0"),
				Benefits:      []string{"member pricing on alterations"},
			},
			{
				Key:           "silver",
				DisplayName:   "Silver",
				MinimumPoints: 1000,
				Multiplier:    decimal.RequireFromString("1.25"),
				Benefits:      []string{"member pricing on alterations", "priority fitting slots"},
			},
			{
				Key:           "gold",
				DisplayName:   "Gold",
				MinimumPoints: 5000,
				Multiplier:    decimal.RequireFromString("1.5"),
				Benefits:      []string{"member pricing on alterations", "priority fitting slots", "free delivery"},
			},
			{
				Key:           "platinum",
				DisplayName:   "Platinum",
				MinimumPoints: 15000,
				Multiplier:    decimal.RequireFromString("2.0"),
				Benefits:      []string{"member pricing on alterations", "priority fitting slots", "free delivery", "dedicated tailor"},
			},
		},
		Earning: map[string]EarningRule{
			domain.SourceSale: {
				Enabled:       true,
				BaseRate:      decimal.RequireFromString("1.0"),
				MinimumAmount: decimal.RequireFromString("1.000"),
				MaximumPoints: 0,
			},
			domain.SourceOrder: {
				Enabled:       true,
				BaseRate:      decimal.RequireFromString("1.0"),
				MinimumAmount: decimal.RequireFromString("1.000"),
				MaximumPoints: 0,
			},
		},
		Redemption: RedemptionRule{
			MinimumPoints:     100,
			MaximumPercentage: decimal.RequireFromString("50"),
			ConversionRate:    100,
		},
		PointsExpiryMonths:    12,
		ExpiryWarningDays:     30,
		AutoCreateAccounts:    true,
		AutoProcessOrders:     true,
		AutoExpirePoints:      true,
		NegativeBalancePolicy: NegativeBalanceClamp,
		SignupBonusPoints:     0,
	}
}

// programFile mirrors the YAML schema. Rates are strings so they parse
// through shopspring/decimal instead of binary floats.
type programFile struct {
	Tiers []struct {
		Key           string   `yaml:"key"`
		DisplayName   string   `yaml:"display_name"`
		MinimumPoints int64    `yaml:"minimum_points"`
		Multiplier    string   `yaml:"multiplier"`
		Benefits      []string `yaml:"benefits"`
	} `yaml:"tiers"`
	Earning map[string]struct {
		Enabled       bool   `yaml:"enabled"`
		BaseRate      string `yaml:"base_rate"`
		MinimumAmount string `yaml:"minimum_amount"`
		MaximumPoints int64  `yaml:"maximum_points"`
	} `yaml:"earning"`
	Redemption *struct {
		MinimumPoints     int64  `yaml:"minimum_points"`
		MaximumPercentage string `yaml:"maximum_percentage"`
		ConversionRate    int64  `yaml:"conversion_rate"`
	} `yaml:"redemption"`
	PointsExpiryMonths    *int   `yaml:"points_expiry_months"`
	ExpiryWarningDays     *int   `yaml:"expiry_warning_days"`
	AutoCreateAccounts    *bool  `yaml:"auto_create_loyalty_account"`
	AutoProcessOrders     *bool  `yaml:"auto_process_orders"`
	AutoExpirePoints      *bool  `yaml:"auto_expire_points"`
	NegativeBalancePolicy string `yaml:"negative_balance_policy"`
	SignupBonusPoints     *int64 `yaml:"signup_bonus_points"`
}

// LoadProgram returns the default program overlaid with the YAML file at
// path. An empty path returns the defaults unchanged.
func LoadProgram(path string) (Program, error) {
	prog := DefaultProgram()
	if path == "" {
		return prog, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Program{}, fmt.Errorf("read program rules: %w", err)
	}
	var file programFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Program{}, fmt.Errorf("parse program rules: %w", err)
	}

	if len(file.Tiers) > 0 {
		tiers := make([]domain.TierDefinition, 0, len(file.Tiers))
		for _, t := range file.Tiers {
			if t.Key == "" {
				return Program{}, fmt.Errorf("tier with empty key")
			}
			mult, err := decimal.NewFromString(t.Multiplier)
			if err != nil {
				return Program{}, fmt.Errorf("tier %s multiplier: %w", t.Key, err)
			}
			name := t.DisplayName
			if name == "" {
				name = t.Key
			}
			tiers = append(tiers, domain.TierDefinition{
				Key:           t.Key,
				DisplayName:   name,
				MinimumPoints: t.MinimumPoints,
				Multiplier:    mult,
				Benefits:      t.Benefits,
			})
		}
		prog.Tiers = tiers
	}

	for source, rule := range file.Earning {
		baseRate, err := decimal.NewFromString(rule.BaseRate)
		if err != nil {
			return Program{}, fmt.Errorf("earning rule %s base_rate: %w", source, err)
		}
		minAmount := decimal.Zero
		if rule.MinimumAmount != "" {
			minAmount, err = decimal.NewFromString(rule.MinimumAmount)
			if err != nil {
				return Program{}, fmt.Errorf("earning rule %s minimum_amount: %w", source, err)
			}
		}
		prog.Earning[source] = EarningRule{
			Enabled:       rule.Enabled,
			BaseRate:      baseRate,
			MinimumAmount: minAmount,
			MaximumPoints: rule.MaximumPoints,
		}
	}

	if file.Redemption != nil {
		maxPct, err := decimal.NewFromString(file.Redemption.MaximumPercentage)
		if err != nil {
			return Program{}, fmt.Errorf("redemption maximum_percentage: %w", err)
		}
		prog.Redemption = RedemptionRule{
			MinimumPoints:     file.Redemption.MinimumPoints,
			MaximumPercentage: maxPct,
			ConversionRate:    file.Redemption.ConversionRate,
		}
	}

	if file.PointsExpiryMonths != nil {
		prog.PointsExpiryMonths = *file.PointsExpiryMonths
	}
	if file.ExpiryWarningDays != nil {
		prog.ExpiryWarningDays = *file.ExpiryWarningDays
	}
	if file.AutoCreateAccounts != nil {
		prog.AutoCreateAccounts = *file.AutoCreateAccounts
	}
	if file.AutoProcessOrders != nil {
		prog.AutoProcessOrders = *file.AutoProcessOrders
	}
	if file.AutoExpirePoints != nil {
		prog.AutoExpirePoints = *file.AutoExpirePoints
	}
	if file.NegativeBalancePolicy != "" {
		prog.NegativeBalancePolicy = file.NegativeBalancePolicy
	}
	if file.SignupBonusPoints != nil {
		prog.SignupBonusPoints = *file.SignupBonusPoints
	}

	if err := prog.Validate(); err != nil {
		return Program{}, err
	}
	return prog, nil
}

// Validate checks the structural invariants the tier resolver relies on:
// a non-empty catalog, strictly increasing unique thresholds, and a base
// tier reachable at zero lifetime points.
func (p Program) Validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("program has no tiers")
	}
	if !sort.SliceIsSorted(p.Tiers, func(i, j int) bool {
		return p.Tiers[i].MinimumPoints < p.Tiers[j].MinimumPoints
	}) {
		return fmt.Errorf("tiers must be ordered by ascending minimum_points")
	}
	for i := 1; i < len(p.Tiers); i++ {
		if p.Tiers[i].MinimumPoints == p.Tiers[i-1].MinimumPoints {
			return fmt.Errorf("duplicate tier threshold %d", p.Tiers[i].MinimumPoints)
		}
	}
	if p.Tiers[0].MinimumPoints != 0 {
		return fmt.Errorf("lowest tier must start at 0 points")
	}
	switch p.NegativeBalancePolicy {
	case NegativeBalanceClamp, NegativeBalanceDebt:
	default:
		return fmt.Errorf("unknown negative_balance_policy %q", p.NegativeBalancePolicy)
	}
	if p.Redemption.ConversionRate < 1 {
		return fmt.Errorf("redemption conversion_rate must be at least 1")
	}
	if p.PointsExpiryMonths < 0 || p.ExpiryWarningDays < 0 {
		return fmt.Errorf("expiry settings must not be negative")
	}
	return nil
}

// BaseTier is the tier assigned to new accounts.
func (p Program) BaseTier() string {
	return p.Tiers[0].Key
}
