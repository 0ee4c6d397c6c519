package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"atelierloyalty/backend/internal/cache"
	"atelierloyalty/backend/internal/config"
	"atelierloyalty/backend/internal/domain"
	"atelierloyalty/backend/internal/notify"
	"atelierloyalty/backend/internal/program"
	"atelierloyalty/backend/internal/store"
	"atelierloyalty/backend/internal/store/memory"
	"atelierloyalty/backend/internal/xid"
)

func newTestService(t *testing.T, rules config.Program) (*Service, store.Repository) {
	t.Helper()
	repo := memory.NewSeeded()
	engine := program.New(rules)
	svc := New(repo, engine, cache.NoopProfileCache{}, notify.LogNotifier{}, "481590", 5*time.Second)
	return svc, repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSaleAccrualCreatesAccountAndEarnsPoints(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())

	result, err := svc.ProcessSaleCompleted(context.Background(), domain.SaleCompletedEvent{
		CustomerID: "cust-1",
		SaleID:     "sale-1",
		Amount:     amount("50"),
		Currency:   "KWD",
	})
	if err != nil {
		t.Fatalf("process sale failed: %v", err)
	}
	if !result.Processed || result.Points != 50 {
		t.Fatalf("expected 50 points processed, got %+v", result)
	}
	if result.Customer.TotalPoints != 50 || result.Customer.AvailablePoints != 50 || result.Customer.LifetimePoints != 50 {
		t.Fatalf("unexpected balances: %+v", result.Customer)
	}
	if result.Customer.Tier != "bronze" {
		t.Fatalf("expected bronze tier, got %s", result.Customer.Tier)
	}
}

func TestSaleAccrualWithoutAccountIsNoOpWhenAutoCreateDisabled(t *testing.T) {
	rules := config.DefaultProgram()
	rules.AutoCreateAccounts = false
	svc, _ := newTestService(t, rules)

	result, err := svc.ProcessSaleCompleted(context.Background(), domain.SaleCompletedEvent{
		CustomerID: "cust-nobody",
		SaleID:     "sale-1",
		Amount:     amount("50"),
	})
	if err != nil {
		t.Fatalf("process sale failed: %v", err)
	}
	if result.Processed || result.Reason != ReasonNoAccount {
		t.Fatalf("expected no-op with reason %s, got %+v", ReasonNoAccount, result)
	}
}

func TestDuplicateSaleEventIsNoOp(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("50"),
	}); err != nil {
		t.Fatalf("first accrual failed: %v", err)
	}

	result, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("50"),
	})
	if err != nil {
		t.Fatalf("duplicate accrual errored: %v", err)
	}
	if result.Processed || result.Reason != ReasonDuplicate {
		t.Fatalf("expected duplicate no-op, got %+v", result)
	}

	profile, err := svc.GetCustomerProfile(ctx, "cust-1")
	if err != nil {
		t.Fatalf("profile lookup failed: %v", err)
	}
	if profile.Customer.TotalPoints != 50 {
		t.Fatalf("expected total to stay at 50, got %d", profile.Customer.TotalPoints)
	}
}

func TestTierUpgradeAtThresholdAndMultiplierApplies(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	result, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("1000"),
	})
	if err != nil {
		t.Fatalf("accrual failed: %v", err)
	}
	if !result.TierChanged || result.NewTier != "silver" {
		t.Fatalf("expected upgrade to silver, got %+v", result)
	}

	// The next sale earns at the silver multiplier: 50 × 1.25 = 62.5 → 62.
	result, err = svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-2", Amount: amount("50"),
	})
	if err != nil {
		t.Fatalf("second accrual failed: %v", err)
	}
	if result.Points != 62 {
		t.Fatalf("expected 62 points at silver, got %d", result.Points)
	}
}

func TestRefundReversesExactEarnedPoints(t *testing.T) {
	svc, repo := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("150"),
	}); err != nil {
		t.Fatalf("accrual failed: %v", err)
	}

	result, err := svc.ProcessSaleStatusChanged(ctx, domain.SaleStatusChangedEvent{
		SaleID: "sale-1", CustomerID: "cust-1",
		OldStatus: "completed", NewStatus: domain.StatusRefunded,
	})
	if err != nil {
		t.Fatalf("reversal failed: %v", err)
	}
	if !result.Processed || result.Points != -150 {
		t.Fatalf("expected -150 point reversal, got %+v", result)
	}
	if result.Customer.TotalPoints != 0 || result.Customer.AvailablePoints != 0 {
		t.Fatalf("expected zero balances after reversal, got %+v", result.Customer)
	}
	// Lifetime points and tier are never lowered by reversals.
	if result.Customer.LifetimePoints != 150 || result.Customer.Tier != "bronze" {
		t.Fatalf("lifetime/tier must survive reversal, got %+v", result.Customer)
	}

	// The ledger for this source reconciles to zero.
	entries, err := repo.ListEntriesBySource(ctx, "cust-1", domain.SourceSale, "sale-1", "")
	if err != nil {
		t.Fatalf("list entries failed: %v", err)
	}
	var sum int64
	for _, entry := range entries {
		sum += entry.Points
	}
	if sum != 0 {
		t.Fatalf("expected source ledger to sum to 0, got %d over %d entries", sum, len(entries))
	}
}

func TestReversalIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("100"),
	}); err != nil {
		t.Fatalf("accrual failed: %v", err)
	}
	if _, err := svc.ProcessSaleDeleted(ctx, domain.SaleDeletedEvent{
		SaleID: "sale-1", CustomerID: "cust-1",
	}); err != nil {
		t.Fatalf("first reversal failed: %v", err)
	}

	result, err := svc.ProcessSaleDeleted(ctx, domain.SaleDeletedEvent{
		SaleID: "sale-1", CustomerID: "cust-1",
	})
	if err != nil {
		t.Fatalf("second reversal errored: %v", err)
	}
	if result.Processed || result.Reason != ReasonAlreadyReversed {
		t.Fatalf("expected already-reversed no-op, got %+v", result)
	}
}

func TestReversalWithNothingToReverseIsNoOp(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())

	result, err := svc.ProcessSaleDeleted(context.Background(), domain.SaleDeletedEvent{
		SaleID: "sale-unknown", CustomerID: "cust-1",
	})
	if err != nil {
		t.Fatalf("reversal errored: %v", err)
	}
	if result.Processed || result.Reason != ReasonNothingToReverse {
		t.Fatalf("expected nothing-to-reverse no-op, got %+v", result)
	}
}

func TestStatusChangeToNonRefundIsIgnored(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())

	result, err := svc.ProcessSaleStatusChanged(context.Background(), domain.SaleStatusChangedEvent{
		SaleID: "sale-1", CustomerID: "cust-1",
		OldStatus: "pending", NewStatus: "completed",
	})
	if err != nil {
		t.Fatalf("status change errored: %v", err)
	}
	if result.Processed || result.Reason != ReasonStatusIgnored {
		t.Fatalf("expected ignored status change, got %+v", result)
	}
}

func TestReversalAfterRedemptionClampsAtZero(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("200"),
	}); err != nil {
		t.Fatalf("accrual failed: %v", err)
	}
	if _, err := svc.RedeemPoints(ctx, domain.RedemptionRequest{
		CustomerID: "cust-1", PointsToRedeem: 150, OrderTotal: amount("10"),
	}); err != nil {
		t.Fatalf("redemption failed: %v", err)
	}

	result, err := svc.ProcessSaleStatusChanged(ctx, domain.SaleStatusChangedEvent{
		SaleID: "sale-1", CustomerID: "cust-1", NewStatus: domain.StatusCancelled,
	})
	if err != nil {
		t.Fatalf("reversal failed: %v", err)
	}
	if result.Customer.AvailablePoints != 0 || result.Customer.TotalPoints != 0 {
		t.Fatalf("expected balances clamped at zero, got %+v", result.Customer)
	}
	if result.ShortfallPoints != 150 {
		t.Fatalf("expected 150 point shortfall, got %d", result.ShortfallPoints)
	}
}

func TestDebtPolicyAllowsNegativeBalances(t *testing.T) {
	rules := config.DefaultProgram()
	rules.NegativeBalancePolicy = config.NegativeBalanceDebt
	svc, _ := newTestService(t, rules)
	ctx := context.Background()

	if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("200"),
	}); err != nil {
		t.Fatalf("accrual failed: %v", err)
	}
	if _, err := svc.RedeemPoints(ctx, domain.RedemptionRequest{
		CustomerID: "cust-1", PointsToRedeem: 150, OrderTotal: amount("10"),
	}); err != nil {
		t.Fatalf("redemption failed: %v", err)
	}

	result, err := svc.ProcessSaleStatusChanged(ctx, domain.SaleStatusChangedEvent{
		SaleID: "sale-1", CustomerID: "cust-1", NewStatus: domain.StatusRefunded,
	})
	if err != nil {
		t.Fatalf("reversal failed: %v", err)
	}
	if result.Customer.AvailablePoints != -150 || result.Customer.TotalPoints != 0 {
		t.Fatalf("expected -150 available under debt policy, got %+v", result.Customer)
	}
	if result.ShortfallPoints != 0 {
		t.Fatalf("expected no shortfall under debt policy, got %d", result.ShortfallPoints)
	}
}

func TestRedemptionBelowMinimumRejected(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("500"),
	}); err != nil {
		t.Fatalf("accrual failed: %v", err)
	}

	_, err := svc.RedeemPoints(ctx, domain.RedemptionRequest{
		CustomerID: "cust-1", PointsToRedeem: 50, OrderTotal: amount("100"),
	})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if validationErr.Code != program.CodeBelowMinimum {
		t.Fatalf("expected %s, got %s", program.CodeBelowMinimum, validationErr.Code)
	}
}

func TestRedemptionForUnknownCustomerFails(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())

	_, err := svc.RedeemPoints(context.Background(), domain.RedemptionRequest{
		CustomerID: "cust-missing", PointsToRedeem: 200, OrderTotal: amount("100"),
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedemptionLowersAvailableOnly(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("500"),
	}); err != nil {
		t.Fatalf("accrual failed: %v", err)
	}

	resp, err := svc.RedeemPoints(ctx, domain.RedemptionRequest{
		CustomerID: "cust-1", PointsToRedeem: 200, OrderTotal: amount("100"),
	})
	if err != nil {
		t.Fatalf("redemption failed: %v", err)
	}
	if !resp.ValueApplied.Equal(amount("2")) {
		t.Fatalf("expected 2 KWD value at 100 points/KWD, got %s", resp.ValueApplied.String())
	}
	if resp.Customer.AvailablePoints != 300 {
		t.Fatalf("expected 300 available, got %d", resp.Customer.AvailablePoints)
	}
	if resp.Customer.TotalPoints != 500 || resp.Customer.LifetimePoints != 500 {
		t.Fatalf("total/lifetime must survive redemption, got %+v", resp.Customer)
	}
}

func TestManualAdjustmentRequiresAdminAndPIN(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("100"),
	}); err != nil {
		t.Fatalf("accrual failed: %v", err)
	}

	_, err := svc.AdjustPoints(ctx, domain.AdjustmentRequest{
		CustomerID: "cust-1", Points: 25, Description: "goodwill", OpsPIN: "481590",
	})
	if !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("expected ErrAdminRequired without actor, got %v", err)
	}

	_, err = svc.AdjustPoints(adminCtx(), domain.AdjustmentRequest{
		CustomerID: "cust-1", Points: 25, Description: "goodwill", OpsPIN: "000000",
	})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) || validationErr.Code != "invalid_pin" {
		t.Fatalf("expected invalid_pin validation error, got %v", err)
	}

	result, err := svc.AdjustPoints(adminCtx(), domain.AdjustmentRequest{
		CustomerID: "cust-1", Points: 25, Description: "goodwill", OpsPIN: "481590",
	})
	if err != nil {
		t.Fatalf("adjustment failed: %v", err)
	}
	if result.Customer.TotalPoints != 125 || result.Customer.LifetimePoints != 125 {
		t.Fatalf("expected positive adjustment to raise lifetime, got %+v", result.Customer)
	}
}

func TestNegativeAdjustmentKeepsLifetime(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("100"),
	}); err != nil {
		t.Fatalf("accrual failed: %v", err)
	}

	result, err := svc.AdjustPoints(adminCtx(), domain.AdjustmentRequest{
		CustomerID: "cust-1", Points: -40, Description: "data correction", OpsPIN: "481590",
	})
	if err != nil {
		t.Fatalf("adjustment failed: %v", err)
	}
	if result.Customer.AvailablePoints != 60 || result.Customer.TotalPoints != 60 {
		t.Fatalf("expected 60 available/total, got %+v", result.Customer)
	}
	if result.Customer.LifetimePoints != 100 {
		t.Fatalf("lifetime must survive negative adjustment, got %d", result.Customer.LifetimePoints)
	}
}

// accrualHookRepo runs a hook between the service's customer read and the
// ledger write, simulating a competing writer that slips in before the
// store takes its lock.
type accrualHookRepo struct {
	store.Repository
	before func()
}

func (r *accrualHookRepo) ApplyAccrual(ctx context.Context, entry domain.LoyaltyTransaction, evaluate func(string) int64, resolveTier func(int64) string) (*domain.LoyaltyCustomer, error) {
	if r.before != nil {
		hook := r.before
		r.before = nil
		hook()
	}
	return r.Repository.ApplyAccrual(ctx, entry, evaluate, resolveTier)
}

func TestAccrualComputesPointsFromLockedTier(t *testing.T) {
	inner := memory.NewSeeded()
	engine := program.New(config.DefaultProgram())
	repo := &accrualHookRepo{Repository: inner}
	svc := New(repo, engine, cache.NoopProfileCache{}, notify.LogNotifier{}, "", time.Second)
	ctx := context.Background()

	if _, err := inner.CreateCustomer(ctx, domain.LoyaltyCustomer{CustomerID: "cust-1", Tier: "bronze"}); err != nil {
		t.Fatalf("create customer failed: %v", err)
	}

	// A competing accrual lands after the handler reads the customer at
	// bronze but before the ledger write takes the lock, lifting the
	// customer to silver.
	repo.before = func() {
		if _, err := inner.ApplyAccrual(ctx, domain.LoyaltyTransaction{
			ID:              "race-entry",
			CustomerID:      "cust-1",
			Type:            domain.EntryEarned,
			SourceType:      domain.SourceSale,
			SourceID:        "sale-race",
			ReferenceNumber: xid.Reference(),
			ProcessedAt:     time.Now().UTC(),
		}, func(string) int64 { return 1000 }, engine.ResolveTier); err != nil {
			t.Fatalf("competing accrual failed: %v", err)
		}
	}

	result, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-late", Amount: amount("50"),
	})
	if err != nil {
		t.Fatalf("accrual failed: %v", err)
	}
	// 50 KWD at the silver multiplier observed under the lock: 62, not the
	// bronze-rate 50 the stale snapshot would have produced.
	if result.Points != 62 {
		t.Fatalf("expected 62 points at the locked silver tier, got %d", result.Points)
	}

	entries, err := inner.ListEntriesBySource(ctx, "cust-1", domain.SourceSale, "sale-late", domain.EntryEarned)
	if err != nil {
		t.Fatalf("list entries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one earned entry, got %d", len(entries))
	}
	if entries[0].TierAtTime != "silver" || entries[0].Points != 62 {
		t.Fatalf("entry points and tier_at_time must agree, got points=%d tier_at_time=%s",
			entries[0].Points, entries[0].TierAtTime)
	}
}

func TestOrderAccrualGatedByConfig(t *testing.T) {
	rules := config.DefaultProgram()
	rules.AutoProcessOrders = false
	svc, _ := newTestService(t, rules)

	result, err := svc.ProcessOrderCompleted(context.Background(), domain.OrderCompletedEvent{
		CustomerID: "cust-1", OrderID: "order-1", Amount: amount("80"),
	})
	if err != nil {
		t.Fatalf("order event errored: %v", err)
	}
	if result.Processed || result.Reason != ReasonOrdersDisabled {
		t.Fatalf("expected orders-disabled no-op, got %+v", result)
	}
}

func TestEnrollWithSignupBonus(t *testing.T) {
	rules := config.DefaultProgram()
	rules.SignupBonusPoints = 100
	svc, _ := newTestService(t, rules)

	customer, err := svc.EnrollCustomer(context.Background(), domain.EnrollRequest{CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("enroll failed: %v", err)
	}
	if customer.AvailablePoints != 100 || customer.LifetimePoints != 100 {
		t.Fatalf("expected 100 bonus points, got %+v", customer)
	}

	if _, err := svc.EnrollCustomer(context.Background(), domain.EnrollRequest{CustomerID: "cust-1"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on double enroll, got %v", err)
	}
}

func TestExpirySweepExpiresOldRemainders(t *testing.T) {
	svc, repo := newTestService(t, config.DefaultProgram())
	ctx := context.Background()
	engine := program.New(config.DefaultProgram())

	if _, err := repo.CreateCustomer(ctx, domain.LoyaltyCustomer{CustomerID: "cust-1", Tier: "bronze"}); err != nil {
		t.Fatalf("create customer failed: %v", err)
	}

	// An entry earned 13 months ago is past the 12-month retention.
	old := time.Now().UTC().AddDate(0, -13, 0)
	if _, err := repo.ApplyAccrual(ctx, domain.LoyaltyTransaction{
		ID:              "old-entry",
		CustomerID:      "cust-1",
		Type:            domain.EntryEarned,
		SourceType:      domain.SourceSale,
		SourceID:        "sale-old",
		ReferenceNumber: xid.Reference(),
		ProcessedAt:     old,
	}, func(string) int64 { return 120 }, engine.ResolveTier); err != nil {
		t.Fatalf("backdated accrual failed: %v", err)
	}

	result, err := svc.RunExpirySweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expiry sweep failed: %v", err)
	}
	if result.EntriesExpired != 1 || result.PointsExpired != 120 || result.CustomersAffected != 1 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}

	profile, err := svc.GetCustomerProfile(ctx, "cust-1")
	if err != nil {
		t.Fatalf("profile lookup failed: %v", err)
	}
	if profile.Customer.AvailablePoints != 0 {
		t.Fatalf("expected zero available after expiry, got %d", profile.Customer.AvailablePoints)
	}
	if profile.Customer.LifetimePoints != 120 {
		t.Fatalf("lifetime must survive expiry, got %d", profile.Customer.LifetimePoints)
	}

	// A second sweep finds nothing left to expire.
	result, err = svc.RunExpirySweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if result.EntriesExpired != 0 {
		t.Fatalf("expected idempotent sweep, got %+v", result)
	}
}

func TestExpiryOnlyTouchesUnconsumedRemainder(t *testing.T) {
	svc, repo := newTestService(t, config.DefaultProgram())
	ctx := context.Background()
	engine := program.New(config.DefaultProgram())

	if _, err := repo.CreateCustomer(ctx, domain.LoyaltyCustomer{CustomerID: "cust-1", Tier: "bronze"}); err != nil {
		t.Fatalf("create customer failed: %v", err)
	}

	old := time.Now().UTC().AddDate(0, -13, 0)
	if _, err := repo.ApplyAccrual(ctx, domain.LoyaltyTransaction{
		ID:              "old-entry",
		CustomerID:      "cust-1",
		Type:            domain.EntryEarned,
		SourceType:      domain.SourceSale,
		SourceID:        "sale-old",
		ReferenceNumber: xid.Reference(),
		ProcessedAt:     old,
	}, func(string) int64 { return 200 }, engine.ResolveTier); err != nil {
		t.Fatalf("backdated accrual failed: %v", err)
	}

	// Redeeming 120 drains the oldest remainder first, leaving 80 to expire.
	if _, err := svc.RedeemPoints(ctx, domain.RedemptionRequest{
		CustomerID: "cust-1", PointsToRedeem: 120, OrderTotal: amount("10"),
	}); err != nil {
		t.Fatalf("redemption failed: %v", err)
	}

	result, err := svc.RunExpirySweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expiry sweep failed: %v", err)
	}
	if result.PointsExpired != 80 {
		t.Fatalf("expected 80 points expired, got %+v", result)
	}
}

func TestReversedSourceNeverExpires(t *testing.T) {
	svc, repo := newTestService(t, config.DefaultProgram())
	ctx := context.Background()
	engine := program.New(config.DefaultProgram())

	if _, err := repo.CreateCustomer(ctx, domain.LoyaltyCustomer{CustomerID: "cust-1", Tier: "bronze"}); err != nil {
		t.Fatalf("create customer failed: %v", err)
	}

	old := time.Now().UTC().AddDate(0, -13, 0)
	if _, err := repo.ApplyAccrual(ctx, domain.LoyaltyTransaction{
		ID:              "old-entry",
		CustomerID:      "cust-1",
		Type:            domain.EntryEarned,
		SourceType:      domain.SourceSale,
		SourceID:        "sale-old",
		ReferenceNumber: xid.Reference(),
		ProcessedAt:     old,
	}, func(string) int64 { return 100 }, engine.ResolveTier); err != nil {
		t.Fatalf("backdated accrual failed: %v", err)
	}

	if _, err := svc.ProcessSaleDeleted(ctx, domain.SaleDeletedEvent{
		SaleID: "sale-old", CustomerID: "cust-1",
	}); err != nil {
		t.Fatalf("reversal failed: %v", err)
	}

	result, err := svc.RunExpirySweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("expiry sweep failed: %v", err)
	}
	if result.EntriesExpired != 0 {
		t.Fatalf("reversed source must not expire, got %+v", result)
	}
}

func TestExpiryWarningCountsUpcomingPoints(t *testing.T) {
	svc, repo := newTestService(t, config.DefaultProgram())
	ctx := context.Background()
	engine := program.New(config.DefaultProgram())

	if _, err := repo.CreateCustomer(ctx, domain.LoyaltyCustomer{CustomerID: "cust-1", Tier: "bronze"}); err != nil {
		t.Fatalf("create customer failed: %v", err)
	}

	// Expires in roughly two weeks: inside the 30-day warning window.
	soon := time.Now().UTC().AddDate(0, -12, 14)
	if _, err := repo.ApplyAccrual(ctx, domain.LoyaltyTransaction{
		ID:              "soon-entry",
		CustomerID:      "cust-1",
		Type:            domain.EntryEarned,
		SourceType:      domain.SourceSale,
		SourceID:        "sale-soon",
		ReferenceNumber: xid.Reference(),
		ProcessedAt:     soon,
	}, func(string) int64 { return 75 }, engine.ResolveTier); err != nil {
		t.Fatalf("backdated accrual failed: %v", err)
	}

	result, err := svc.RunExpiryWarning(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("warning pass failed: %v", err)
	}
	if result.CustomersWarned != 1 || result.PointsExpiring != 75 {
		t.Fatalf("unexpected warning result: %+v", result)
	}
}

func TestListTransactionsFiltersAndPaginates(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	for _, saleID := range []string{"sale-1", "sale-2", "sale-3"} {
		if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
			CustomerID: "cust-1", SaleID: saleID, Amount: amount("50"),
		}); err != nil {
			t.Fatalf("accrual %s failed: %v", saleID, err)
		}
	}
	if _, err := svc.RedeemPoints(ctx, domain.RedemptionRequest{
		CustomerID: "cust-1", PointsToRedeem: 100, OrderTotal: amount("10"),
	}); err != nil {
		t.Fatalf("redemption failed: %v", err)
	}

	resp, err := svc.ListTransactions(ctx, "cust-1", domain.TransactionFilter{Type: domain.EntryEarned})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if resp.Total != 3 || len(resp.Items) != 3 {
		t.Fatalf("expected 3 earned entries, got total=%d items=%d", resp.Total, len(resp.Items))
	}

	resp, err = svc.ListTransactions(ctx, "cust-1", domain.TransactionFilter{Limit: 2, Page: 2})
	if err != nil {
		t.Fatalf("paged list failed: %v", err)
	}
	if resp.Total != 4 || len(resp.Items) != 2 {
		t.Fatalf("expected page 2 of 4 entries with 2 items, got total=%d items=%d", resp.Total, len(resp.Items))
	}
}

func TestProgramStatsAggregates(t *testing.T) {
	svc, _ := newTestService(t, config.DefaultProgram())
	ctx := context.Background()

	if _, err := svc.ProcessSaleCompleted(ctx, domain.SaleCompletedEvent{
		CustomerID: "cust-1", SaleID: "sale-1", Amount: amount("300"),
	}); err != nil {
		t.Fatalf("accrual failed: %v", err)
	}
	if _, err := svc.RedeemPoints(ctx, domain.RedemptionRequest{
		CustomerID: "cust-1", PointsToRedeem: 100, OrderTotal: amount("10"),
	}); err != nil {
		t.Fatalf("redemption failed: %v", err)
	}

	stats, err := svc.GetProgramStats(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalMembers != 1 || stats.PointsIssued != 300 || stats.PointsRedeemed != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
