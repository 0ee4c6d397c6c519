package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry types. Every balance change is one immutable entry with a
// signed point amount; corrections are always new offsetting entries.
const (
	EntryEarned   = "earned"
	EntryRedeemed = "redeemed"
	EntryAdjusted = "adjusted"
	EntryExpired  = "expired"
)

// Point source types.
const (
	SourceSale     = "sale"
	SourceOrder    = "order"
	SourceReferral = "referral"
	SourceBirthday = "birthday"
	SourceSignup   = "signup"
	SourceManual   = "manual"
)

// Sale/order statuses that trigger a reversal.
const (
	StatusRefunded  = "refunded"
	StatusCancelled = "cancelled"
)

type TierDefinition struct {
	Key           string          `json:"key"`
	DisplayName   string          `json:"display_name"`
	MinimumPoints int64           `json:"minimum_points"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	Benefits      []string        `json:"benefits"`
}

type LoyaltyCustomer struct {
	CustomerID      string    `json:"customer_id"`
	TotalPoints     int64     `json:"total_points"`
	AvailablePoints int64     `json:"available_points"`
	LifetimePoints  int64     `json:"lifetime_points"`
	Tier            string    `json:"tier"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LoyaltyTransaction is one append-only ledger row. Points never changes
// after insert; RemainingPoints is bookkeeping on earned rows only and
// tracks the portion not yet consumed by redemption, reversal or expiry
// (drained oldest-first).
type LoyaltyTransaction struct {
	ID              string    `json:"id"`
	CustomerID      string    `json:"customer_id"`
	Type            string    `json:"type"`
	Points          int64     `json:"points"`
	RemainingPoints int64     `json:"remaining_points,omitempty"`
	SourceType      string    `json:"source_type"`
	SourceID        string    `json:"source_id,omitempty"`
	Description     string    `json:"description"`
	ReferenceNumber string    `json:"reference_number"`
	TierAtTime      string    `json:"tier_at_time"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// Inbound lifecycle facts from the sale/order system.

type SaleCompletedEvent struct {
	CustomerID string          `json:"customer_id"`
	SaleID     string          `json:"sale_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

type SaleStatusChangedEvent struct {
	SaleID     string `json:"sale_id"`
	CustomerID string `json:"customer_id"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
}

type SaleDeletedEvent struct {
	SaleID     string `json:"sale_id"`
	CustomerID string `json:"customer_id"`
}

type OrderCompletedEvent struct {
	CustomerID string          `json:"customer_id"`
	OrderID    string          `json:"order_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type OrderDeletedEvent struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
}

// ProcessResult reports what an accrual or reversal actually did. Processed
// is false for the silent no-op outcomes (duplicate, not eligible, no
// account); Reason then says why.
type ProcessResult struct {
	Processed       bool             `json:"processed"`
	Reason          string           `json:"reason,omitempty"`
	Points          int64            `json:"points"`
	ShortfallPoints int64            `json:"shortfall_points,omitempty"`
	TierChanged     bool             `json:"tier_changed"`
	OldTier         string           `json:"old_tier,omitempty"`
	NewTier         string           `json:"new_tier,omitempty"`
	Customer        *LoyaltyCustomer `json:"customer,omitempty"`
}

type RedemptionRequest struct {
	CustomerID     string          `json:"customer_id"`
	PointsToRedeem int64           `json:"points_to_redeem"`
	OrderTotal     decimal.Decimal `json:"order_total"`
}

type RedemptionResponse struct {
	Entry        LoyaltyTransaction `json:"entry"`
	Customer     LoyaltyCustomer    `json:"customer"`
	ValueApplied decimal.Decimal    `json:"value_applied"`
}

type AdjustmentRequest struct {
	CustomerID  string `json:"customer_id"`
	Points      int64  `json:"points"`
	Description string `json:"description"`
	OpsPIN      string `json:"ops_pin"`
}

type EnrollRequest struct {
	CustomerID string `json:"customer_id"`
}

type CustomerProfile struct {
	Customer         LoyaltyCustomer `json:"customer"`
	TierName         string          `json:"tier_name"`
	Benefits         []string        `json:"benefits"`
	NextTier         string          `json:"next_tier,omitempty"`
	PointsToNextTier int64           `json:"points_to_next_tier,omitempty"`
}

type TransactionFilter struct {
	Type  string
	From  time.Time
	To    time.Time
	Limit int
	Page  int
}

type TransactionListResponse struct {
	Items []LoyaltyTransaction `json:"items"`
	Total int64                `json:"total"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
}

type ProgramStats struct {
	TotalMembers   int64     `json:"total_members"`
	PointsIssued   int64     `json:"points_issued"`
	PointsRedeemed int64     `json:"points_redeemed"`
	PointsExpired  int64     `json:"points_expired"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
}

type ExpirySweepResult struct {
	EntriesExpired    int   `json:"entries_expired"`
	PointsExpired     int64 `json:"points_expired"`
	CustomersAffected int   `json:"customers_affected"`
}

type ExpiryWarningResult struct {
	CustomersWarned int   `json:"customers_warned"`
	PointsExpiring  int64 `json:"points_expiring"`
}

// Outbound signals. Delivery is fire-and-forget; failures never roll back
// ledger writes.

type PointsEarnedSignal struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id,omitempty"`
}

type TierUpgradedSignal struct {
	CustomerID string `json:"customer_id"`
	OldTier    string `json:"old_tier"`
	NewTier    string `json:"new_tier"`
}

type PointsExpiringSoonSignal struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
	DaysBefore int    `json:"days_before"`
}

type PointsExpiredSignal struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
}

// ValidationError is a redemption or adjustment rule violation that is
// surfaced to the caller as an actionable message.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type APIUserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type APIUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
