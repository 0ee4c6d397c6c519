package store

import (
	"context"
	"errors"
	"time"

	"atelierloyalty/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidEntry       = errors.New("invalid ledger entry")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrNotEligible        = errors.New("not eligible for points")
)

// Repository is the ledger store. Every Apply* method is one atomic unit:
// the ledger entry insert and the customer summary update commit together
// or not at all, and concurrent calls for the same customer serialize on
// the summary row.
//
// Apply* methods re-run their idempotency and balance guards inside the
// transaction and return ErrConflict (duplicate source processing) or
// ErrInsufficientPoints when a concurrent caller got there first.
type Repository interface {
	GetCustomer(ctx context.Context, customerID string) (*domain.LoyaltyCustomer, error)
	CreateCustomer(ctx context.Context, customer domain.LoyaltyCustomer) (*domain.LoyaltyCustomer, error)
	CountCustomers(ctx context.Context) (int64, error)

	// ListEntriesBySource returns ledger entries for one source, optionally
	// filtered by entry type (empty means all types).
	ListEntriesBySource(ctx context.Context, customerID string, sourceType string, sourceID string, entryType string) ([]domain.LoyaltyTransaction, error)

	// ApplyAccrual computes the entry's points by calling evaluate with the
	// tier read under lock, inserts the earned entry, raises all three
	// balances, and recomputes the tier from the post-accrual lifetime
	// points via resolveTier. TierAtTime on the stored entry is the locked
	// pre-accrual tier, the same one evaluate saw, so the multiplier and
	// the recorded tier can never diverge under concurrent upgrades.
	// evaluate returning less than 1 point aborts with ErrNotEligible and
	// writes nothing.
	ApplyAccrual(ctx context.Context, entry domain.LoyaltyTransaction, evaluate func(tier string) int64, resolveTier func(lifetimePoints int64) string) (*domain.LoyaltyCustomer, error)

	// ApplyReversal inserts the offsetting adjusted entries for one source,
	// zeroes the unconsumed remainder of that source's earned entries, and
	// lowers total and available points. With allowNegative false the
	// decrement saturates at zero; the returned int64 is the shortfall that
	// could not be deducted. Lifetime points and tier are never touched.
	ApplyReversal(ctx context.Context, customerID string, offsets []domain.LoyaltyTransaction, allowNegative bool) (*domain.LoyaltyCustomer, int64, error)

	// ApplyRedemption inserts a redeemed entry (negative points), drains
	// earned remainders oldest-first, and lowers available points only.
	ApplyRedemption(ctx context.Context, entry domain.LoyaltyTransaction) (*domain.LoyaltyCustomer, error)

	// ApplyAdjustment inserts a manual adjustment entry. Positive
	// adjustments behave like accruals (lifetime raised, tier recomputed
	// via resolveTier); negative ones behave like reversals (balances
	// lowered per allowNegative, lifetime untouched, remainders drained).
	ApplyAdjustment(ctx context.Context, entry domain.LoyaltyTransaction, resolveTier func(lifetimePoints int64) string, allowNegative bool) (*domain.LoyaltyCustomer, int64, error)

	// ApplyExpiry offsets the unconsumed remainder of one earned entry with
	// a single expired entry and lowers available points by that remainder.
	// ErrConflict is returned when the remainder was already fully consumed.
	ApplyExpiry(ctx context.Context, earnedEntryID string, referenceNumber string, description string, at time.Time) (*domain.LoyaltyCustomer, *domain.LoyaltyTransaction, error)

	ListTransactions(ctx context.Context, customerID string, filter domain.TransactionFilter) ([]domain.LoyaltyTransaction, int64, error)

	// ListExpirable returns earned entries processed before cutoff that
	// still carry an unconsumed remainder, oldest first.
	ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]domain.LoyaltyTransaction, error)

	// ListExpiringBetween returns earned entries with a remainder whose
	// processed_at falls in [from, to), feeding the expiry warning pass.
	ListExpiringBetween(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.LoyaltyTransaction, error)

	GetProgramStats(ctx context.Context, from time.Time, to time.Time) (domain.ProgramStats, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
