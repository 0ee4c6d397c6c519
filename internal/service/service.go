package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"atelierloyalty/backend/internal/cache"
	"atelierloyalty/backend/internal/config"
	"atelierloyalty/backend/internal/domain"
	"atelierloyalty/backend/internal/notify"
	"atelierloyalty/backend/internal/program"
	"atelierloyalty/backend/internal/store"
	"atelierloyalty/backend/internal/xid"
)

// ErrAdminRequired is returned when a caller without the admin role invokes
// an admin-only operation.
var ErrAdminRequired = errors.New("admin role required")

// No-op reasons reported when an inbound lifecycle event changes nothing.
const (
	ReasonNoCustomer       = "no_customer"
	ReasonNoAccount        = "no_account"
	ReasonNotEligible      = "not_eligible"
	ReasonDuplicate        = "duplicate"
	ReasonNothingToReverse = "nothing_to_reverse"
	ReasonAlreadyReversed  = "already_reversed"
	ReasonStatusIgnored    = "status_ignored"
	ReasonOrdersDisabled   = "orders_disabled"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	engine     *program.Engine
	profiles   cache.ProfileCache
	notifier   notify.Notifier
	opsPIN     string
	profileTTL time.Duration
}

func New(repo store.Repository, engine *program.Engine, profiles cache.ProfileCache, notifier notify.Notifier, opsPIN string, profileTTL time.Duration) *Service {
	if profiles == nil {
		profiles = cache.NoopProfileCache{}
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if profileTTL < time.Second {
		profileTTL = 30 * time.Second
	}

	return &Service{
		repo:       repo,
		engine:     engine,
		profiles:   profiles,
		notifier:   notifier,
		opsPIN:     opsPIN,
		profileTTL: profileTTL,
	}
}

// EnrollCustomer creates a loyalty account at the base tier, optionally
// granting the configured signup bonus.
func (s *Service) EnrollCustomer(ctx context.Context, req domain.EnrollRequest) (*domain.LoyaltyCustomer, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, &domain.ValidationError{Code: "missing_customer_id", Message: "customer_id is required"}
	}

	created, err := s.repo.CreateCustomer(ctx, domain.LoyaltyCustomer{
		CustomerID: customerID,
		Tier:       s.engine.Rules().BaseTier(),
	})
	if err != nil {
		return nil, err
	}

	bonus := s.engine.Rules().SignupBonusPoints
	if bonus > 0 {
		result, err := s.accrue(ctx, customerID, domain.SourceSignup, customerID, bonus, "Welcome bonus")
		if err != nil {
			log.Printf("[service] WARN: signup bonus failed for customer=%s: %v", customerID, err)
		} else if result.Customer != nil {
			created = result.Customer
		}
	}

	return created, nil
}

// ProcessSaleCompleted accrues points for a completed sale. Duplicate
// events, unknown customers and amounts below the earning minimum are
// silent no-ops.
func (s *Service) ProcessSaleCompleted(ctx context.Context, event domain.SaleCompletedEvent) (domain.ProcessResult, error) {
	return s.processMonetary(ctx, event.CustomerID, domain.SourceSale, event.SaleID, event.Amount,
		fmt.Sprintf("Points earned from sale %s", event.SaleID))
}

// ProcessOrderCompleted accrues points for a completed workshop order when
// order processing is enabled.
func (s *Service) ProcessOrderCompleted(ctx context.Context, event domain.OrderCompletedEvent) (domain.ProcessResult, error) {
	if !s.engine.Rules().AutoProcessOrders {
		return domain.ProcessResult{Reason: ReasonOrdersDisabled}, nil
	}
	return s.processMonetary(ctx, event.CustomerID, domain.SourceOrder, event.OrderID, event.Amount,
		fmt.Sprintf("Points earned from order %s", event.OrderID))
}

// ProcessSaleStatusChanged reverses the sale's accrual when the sale moves
// to refunded or cancelled. Any other transition is ignored.
func (s *Service) ProcessSaleStatusChanged(ctx context.Context, event domain.SaleStatusChangedEvent) (domain.ProcessResult, error) {
	if event.NewStatus != domain.StatusRefunded && event.NewStatus != domain.StatusCancelled {
		return domain.ProcessResult{Reason: ReasonStatusIgnored}, nil
	}
	return s.reverse(ctx, event.CustomerID, domain.SourceSale, event.SaleID,
		fmt.Sprintf("Reversal of sale %s (%s)", event.SaleID, event.NewStatus))
}

func (s *Service) ProcessSaleDeleted(ctx context.Context, event domain.SaleDeletedEvent) (domain.ProcessResult, error) {
	return s.reverse(ctx, event.CustomerID, domain.SourceSale, event.SaleID,
		fmt.Sprintf("Reversal of deleted sale %s", event.SaleID))
}

func (s *Service) ProcessOrderDeleted(ctx context.Context, event domain.OrderDeletedEvent) (domain.ProcessResult, error) {
	return s.reverse(ctx, event.CustomerID, domain.SourceOrder, event.OrderID,
		fmt.Sprintf("Reversal of deleted order %s", event.OrderID))
}

func (s *Service) processMonetary(ctx context.Context, customerID string, sourceType string, sourceID string, amount decimal.Decimal, description string) (domain.ProcessResult, error) {
	customerID = strings.TrimSpace(customerID)
	sourceID = strings.TrimSpace(sourceID)
	if customerID == "" || sourceID == "" {
		return domain.ProcessResult{Reason: ReasonNoCustomer}, nil
	}

	customer, result, err := s.customerForAccrual(ctx, customerID)
	if err != nil || customer == nil {
		return result, err
	}

	// The store calls evaluate with the tier it reads under lock, so the
	// multiplier always matches the tier recorded on the entry even when a
	// concurrent accrual upgrades the customer in between.
	evaluate := func(tier string) int64 {
		return s.engine.EvaluateEarning(program.EarningInput{
			SourceType: sourceType,
			Amount:     amount,
			Tier:       tier,
		}).Points
	}
	return s.accrueForCustomer(ctx, customer, sourceType, sourceID, evaluate, description)
}

// accrue computes nothing: it grants a fixed number of points from a
// non-monetary source (signup bonus, referral, birthday).
func (s *Service) accrue(ctx context.Context, customerID string, sourceType string, sourceID string, points int64, description string) (domain.ProcessResult, error) {
	customer, result, err := s.customerForAccrual(ctx, customerID)
	if err != nil || customer == nil {
		return result, err
	}
	return s.accrueForCustomer(ctx, customer, sourceType, sourceID, func(string) int64 { return points }, description)
}

func (s *Service) customerForAccrual(ctx context.Context, customerID string) (*domain.LoyaltyCustomer, domain.ProcessResult, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		if !s.engine.Rules().AutoCreateAccounts {
			return nil, domain.ProcessResult{Reason: ReasonNoAccount}, nil
		}
		customer, err = s.repo.CreateCustomer(ctx, domain.LoyaltyCustomer{
			CustomerID: customerID,
			Tier:       s.engine.Rules().BaseTier(),
		})
		if errors.Is(err, store.ErrConflict) {
			customer, err = s.repo.GetCustomer(ctx, customerID)
		}
	}
	if err != nil {
		return nil, domain.ProcessResult{}, fmt.Errorf("load loyalty customer %s: %w", customerID, err)
	}
	return customer, domain.ProcessResult{}, nil
}

func (s *Service) accrueForCustomer(ctx context.Context, customer *domain.LoyaltyCustomer, sourceType string, sourceID string, evaluate func(tier string) int64, description string) (domain.ProcessResult, error) {
	oldTier := customer.Tier

	entry := domain.LoyaltyTransaction{
		ID:              xid.New("ltx"),
		CustomerID:      customer.CustomerID,
		Type:            domain.EntryEarned,
		SourceType:      sourceType,
		SourceID:        sourceID,
		Description:     description,
		ReferenceNumber: xid.Reference(),
		ProcessedAt:     time.Now().UTC(),
	}

	var points int64
	observed := func(tier string) int64 {
		points = evaluate(tier)
		return points
	}

	updated, err := s.repo.ApplyAccrual(ctx, entry, observed, s.engine.ResolveTier)
	if errors.Is(err, store.ErrNotEligible) {
		return domain.ProcessResult{Reason: ReasonNotEligible}, nil
	}
	if errors.Is(err, store.ErrConflict) {
		return domain.ProcessResult{Reason: ReasonDuplicate}, nil
	}
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("apply accrual %s/%s: %w", sourceType, sourceID, err)
	}

	s.invalidateProfile(ctx, updated.CustomerID)
	s.notifier.PointsEarned(ctx, domain.PointsEarnedSignal{
		CustomerID: updated.CustomerID,
		Points:     points,
		SourceType: sourceType,
		SourceID:   sourceID,
	})

	result := domain.ProcessResult{
		Processed: true,
		Points:    points,
		Customer:  updated,
	}
	if updated.Tier != oldTier {
		result.TierChanged = true
		result.OldTier = oldTier
		result.NewTier = updated.Tier
		s.notifier.TierUpgraded(ctx, domain.TierUpgradedSignal{
			CustomerID: updated.CustomerID,
			OldTier:    oldTier,
			NewTier:    updated.Tier,
		})
	}
	return result, nil
}

// reverse offsets every earned entry for one source with an equal and
// opposite adjusted entry. Lifetime points and tier are never lowered;
// under the clamp policy balances saturate at zero and the shortfall is
// reported.
func (s *Service) reverse(ctx context.Context, customerID string, sourceType string, sourceID string, description string) (domain.ProcessResult, error) {
	customerID = strings.TrimSpace(customerID)
	sourceID = strings.TrimSpace(sourceID)
	if customerID == "" || sourceID == "" {
		return domain.ProcessResult{Reason: ReasonNoCustomer}, nil
	}

	earned, err := s.repo.ListEntriesBySource(ctx, customerID, sourceType, sourceID, domain.EntryEarned)
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("list earned entries %s/%s: %w", sourceType, sourceID, err)
	}
	if len(earned) == 0 {
		return domain.ProcessResult{Reason: ReasonNothingToReverse}, nil
	}

	reversals, err := s.repo.ListEntriesBySource(ctx, customerID, sourceType, sourceID, domain.EntryAdjusted)
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("list reversal entries %s/%s: %w", sourceType, sourceID, err)
	}
	if len(reversals) > 0 {
		return domain.ProcessResult{Reason: ReasonAlreadyReversed}, nil
	}

	now := time.Now().UTC()
	var reversed int64
	offsets := make([]domain.LoyaltyTransaction, 0, len(earned))
	for _, origin := range earned {
		offsets = append(offsets, domain.LoyaltyTransaction{
			ID:              xid.New("ltx"),
			CustomerID:      customerID,
			Type:            domain.EntryAdjusted,
			Points:          -origin.Points,
			SourceType:      sourceType,
			SourceID:        sourceID,
			Description:     description,
			ReferenceNumber: xid.Reference(),
			ProcessedAt:     now,
		})
		reversed += origin.Points
	}

	allowNegative := s.engine.Rules().NegativeBalancePolicy == config.NegativeBalanceDebt
	updated, shortfall, err := s.repo.ApplyReversal(ctx, customerID, offsets, allowNegative)
	if errors.Is(err, store.ErrConflict) {
		return domain.ProcessResult{Reason: ReasonAlreadyReversed}, nil
	}
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("apply reversal %s/%s: %w", sourceType, sourceID, err)
	}

	if shortfall > 0 {
		log.Printf("[service] reversal shortfall: customer=%s source=%s/%s points=%d shortfall=%d",
			customerID, sourceType, sourceID, reversed, shortfall)
	}
	s.invalidateProfile(ctx, customerID)

	return domain.ProcessResult{
		Processed:       true,
		Points:          -reversed,
		ShortfallPoints: shortfall,
		Customer:        updated,
	}, nil
}

// RedeemPoints validates a redemption against the program rules and writes
// the redeemed entry. Rule violations come back as *domain.ValidationError.
func (s *Service) RedeemPoints(ctx context.Context, req domain.RedemptionRequest) (*domain.RedemptionResponse, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, &domain.ValidationError{Code: "missing_customer_id", Message: "customer_id is required"}
	}
	if req.PointsToRedeem < 1 {
		return nil, &domain.ValidationError{Code: "invalid_points", Message: "points_to_redeem must be positive"}
	}

	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	value, err := s.engine.ValidateRedemption(req.PointsToRedeem, customer.AvailablePoints, req.OrderTotal)
	if err != nil {
		return nil, err
	}

	entry := domain.LoyaltyTransaction{
		ID:              xid.New("ltx"),
		CustomerID:      customerID,
		Type:            domain.EntryRedeemed,
		Points:          -req.PointsToRedeem,
		SourceType:      domain.SourceManual,
		Description:     fmt.Sprintf("Redeemed %d points (value %s)", req.PointsToRedeem, value.String()),
		ReferenceNumber: xid.Reference(),
		ProcessedAt:     time.Now().UTC(),
	}

	updated, err := s.repo.ApplyRedemption(ctx, entry)
	if errors.Is(err, store.ErrInsufficientPoints) {
		return nil, &domain.ValidationError{
			Code:    program.CodeInsufficientFunds,
			Message: "available balance changed, not enough points",
		}
	}
	if err != nil {
		return nil, fmt.Errorf("apply redemption customer=%s: %w", customerID, err)
	}

	s.invalidateProfile(ctx, customerID)

	return &domain.RedemptionResponse{
		Entry:        entry,
		Customer:     *updated,
		ValueApplied: value,
	}, nil
}

// AdjustPoints writes a manual correction entry. Admin role and, when
// configured, the operations PIN are required.
func (s *Service) AdjustPoints(ctx context.Context, req domain.AdjustmentRequest) (domain.ProcessResult, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.ProcessResult{}, ErrAdminRequired
	}
	if s.opsPIN != "" && subtle.ConstantTimeCompare([]byte(s.opsPIN), []byte(req.OpsPIN)) != 1 {
		return domain.ProcessResult{}, &domain.ValidationError{Code: "invalid_pin", Message: "operations PIN mismatch"}
	}
	if req.Points == 0 {
		return domain.ProcessResult{}, &domain.ValidationError{Code: "invalid_points", Message: "points must be non-zero"}
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return domain.ProcessResult{}, &domain.ValidationError{Code: "missing_description", Message: "a description is required for manual adjustments"}
	}

	customer, err := s.repo.GetCustomer(ctx, strings.TrimSpace(req.CustomerID))
	if err != nil {
		return domain.ProcessResult{}, err
	}
	oldTier := customer.Tier

	entry := domain.LoyaltyTransaction{
		ID:              xid.New("ltx"),
		CustomerID:      customer.CustomerID,
		Type:            domain.EntryAdjusted,
		Points:          req.Points,
		SourceType:      domain.SourceManual,
		Description:     fmt.Sprintf("%s (by %s)", description, actor.Username),
		ReferenceNumber: xid.Reference(),
		ProcessedAt:     time.Now().UTC(),
	}

	allowNegative := s.engine.Rules().NegativeBalancePolicy == config.NegativeBalanceDebt
	updated, shortfall, err := s.repo.ApplyAdjustment(ctx, entry, s.engine.ResolveTier, allowNegative)
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("apply adjustment customer=%s: %w", customer.CustomerID, err)
	}

	s.invalidateProfile(ctx, updated.CustomerID)

	result := domain.ProcessResult{
		Processed:       true,
		Points:          req.Points,
		ShortfallPoints: shortfall,
		Customer:        updated,
	}
	if updated.Tier != oldTier {
		result.TierChanged = true
		result.OldTier = oldTier
		result.NewTier = updated.Tier
		s.notifier.TierUpgraded(ctx, domain.TierUpgradedSignal{
			CustomerID: updated.CustomerID,
			OldTier:    oldTier,
			NewTier:    updated.Tier,
		})
	}
	return result, nil
}

// GetCustomerProfile assembles the cached customer view: balances, tier
// benefits and progress toward the next tier.
func (s *Service) GetCustomerProfile(ctx context.Context, customerID string) (*domain.CustomerProfile, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, store.ErrNotFound
	}

	if cached, hit, err := s.profiles.Get(ctx, customerID); err != nil {
		log.Printf("[service] WARN: profile cache get failed customer=%s: %v", customerID, err)
	} else if hit {
		return cached, nil
	}

	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	profile := &domain.CustomerProfile{Customer: *customer}
	if tier, ok := s.engine.TierByKey(customer.Tier); ok {
		profile.TierName = tier.DisplayName
		profile.Benefits = tier.Benefits
	}
	if next, ok := s.engine.NextTier(customer.LifetimePoints); ok {
		profile.NextTier = next.Key
		profile.PointsToNextTier = next.MinimumPoints - customer.LifetimePoints
	}

	if err := s.profiles.Set(ctx, customerID, profile, s.profileTTL); err != nil {
		log.Printf("[service] WARN: profile cache set failed customer=%s: %v", customerID, err)
	}
	return profile, nil
}

func (s *Service) ListTransactions(ctx context.Context, customerID string, filter domain.TransactionFilter) (domain.TransactionListResponse, error) {
	if filter.Limit < 1 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Page < 1 {
		filter.Page = 1
	}

	items, total, err := s.repo.ListTransactions(ctx, strings.TrimSpace(customerID), filter)
	if err != nil {
		return domain.TransactionListResponse{}, err
	}
	return domain.TransactionListResponse{
		Items: items,
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	}, nil
}

func (s *Service) ListTiers(_ context.Context) []domain.TierDefinition {
	return s.engine.Tiers()
}

func (s *Service) GetProgramStats(ctx context.Context, from time.Time, to time.Time) (domain.ProgramStats, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, -1, 0)
	}
	return s.repo.GetProgramStats(ctx, from, to)
}

// RunExpirySweep expires the unconsumed remainder of every earned entry
// older than the configured retention. Entries drained concurrently are
// skipped; the sweep is safe to run at any cadence.
func (s *Service) RunExpirySweep(ctx context.Context, now time.Time) (domain.ExpirySweepResult, error) {
	months := s.engine.Rules().PointsExpiryMonths
	if months < 1 {
		return domain.ExpirySweepResult{}, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cutoff := now.AddDate(0, -months, 0)

	result := domain.ExpirySweepResult{}
	affected := make(map[string]struct{})
	for {
		batch, err := s.repo.ListExpirable(ctx, cutoff, 500)
		if err != nil {
			return result, fmt.Errorf("list expirable entries: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		progressed := false
		for _, entry := range batch {
			description := fmt.Sprintf("Points expired (%d month retention)", months)
			_, expired, err := s.repo.ApplyExpiry(ctx, entry.ID, xid.Reference(), description, now)
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return result, fmt.Errorf("expire entry %s: %w", entry.ID, err)
			}

			progressed = true
			result.EntriesExpired++
			result.PointsExpired += -expired.Points
			affected[entry.CustomerID] = struct{}{}

			s.invalidateProfile(ctx, entry.CustomerID)
			s.notifier.PointsExpired(ctx, domain.PointsExpiredSignal{
				CustomerID: entry.CustomerID,
				Points:     -expired.Points,
			})
		}
		if !progressed {
			break
		}
	}

	result.CustomersAffected = len(affected)
	if result.EntriesExpired > 0 {
		log.Printf("[service] expiry sweep: entries=%d points=%d customers=%d",
			result.EntriesExpired, result.PointsExpired, result.CustomersAffected)
	}
	return result, nil
}

// RunExpiryWarning notifies customers whose points fall into the expiry
// window within the configured number of days.
func (s *Service) RunExpiryWarning(ctx context.Context, now time.Time) (domain.ExpiryWarningResult, error) {
	rules := s.engine.Rules()
	if rules.PointsExpiryMonths < 1 || rules.ExpiryWarningDays < 1 {
		return domain.ExpiryWarningResult{}, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Entries expire at processed_at + expiry months; the warning window
	// holds entries expiring within the next N days.
	from := now.AddDate(0, -rules.PointsExpiryMonths, 0)
	to := from.AddDate(0, 0, rules.ExpiryWarningDays)

	entries, err := s.repo.ListExpiringBetween(ctx, from, to, 5000)
	if err != nil {
		return domain.ExpiryWarningResult{}, fmt.Errorf("list expiring entries: %w", err)
	}

	perCustomer := make(map[string]int64)
	for _, entry := range entries {
		perCustomer[entry.CustomerID] += entry.RemainingPoints
	}

	result := domain.ExpiryWarningResult{}
	for customerID, points := range perCustomer {
		if points < 1 {
			continue
		}
		s.notifier.PointsExpiringSoon(ctx, domain.PointsExpiringSoonSignal{
			CustomerID: customerID,
			Points:     points,
			DaysBefore: rules.ExpiryWarningDays,
		})
		result.CustomersWarned++
		result.PointsExpiring += points
	}
	return result, nil
}

func (s *Service) invalidateProfile(ctx context.Context, customerID string) {
	if err := s.profiles.Invalidate(ctx, customerID); err != nil {
		log.Printf("[service] WARN: profile cache invalidate failed customer=%s: %v", customerID, err)
	}
}
