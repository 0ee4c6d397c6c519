// Package memory is the in-memory Repository used for dev/demo mode and
// unit tests. A single mutex around every composite operation gives the
// same strictly serial view of a customer's summary that the postgres
// store gets from serializable transactions and row locks.
package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"atelierloyalty/backend/internal/domain"
	"atelierloyalty/backend/internal/store"
	"atelierloyalty/backend/internal/xid"
)

type Store struct {
	mu              sync.Mutex
	customers       map[string]*domain.LoyaltyCustomer
	entries         []*domain.LoyaltyTransaction
	entriesByRef    map[string]struct{}
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory API accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_INTEGRATION_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	integrationPwd := envOr("SEED_INTEGRATION_PASSWORD", "integration123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_INTEGRATION_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_INTEGRATION_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"pos-sync", integrationPwd, "integration"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	return &Store{
		customers:       make(map[string]*domain.LoyaltyCustomer),
		entries:         make([]*domain.LoyaltyTransaction, 0, 256),
		entriesByRef:    make(map[string]struct{}),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (*domain.LoyaltyCustomer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customers[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := *customer
	return &copied, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.LoyaltyCustomer) (*domain.LoyaltyCustomer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(customer.CustomerID) == "" || customer.Tier == "" {
		return nil, store.ErrInvalidEntry
	}
	if _, exists := s.customers[customer.CustomerID]; exists {
		return nil, store.ErrConflict
	}

	now := time.Now().UTC()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}
	customer.UpdatedAt = now
	stored := customer
	s.customers[customer.CustomerID] = &stored
	copied := stored
	return &copied, nil
}

func (s *Store) CountCustomers(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.customers)), nil
}

func (s *Store) ListEntriesBySource(_ context.Context, customerID string, sourceType string, sourceID string, entryType string) ([]domain.LoyaltyTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.LoyaltyTransaction, 0, 4)
	for _, entry := range s.entries {
		if entry.CustomerID != customerID || entry.SourceType != sourceType || entry.SourceID != sourceID {
			continue
		}
		if entryType != "" && entry.Type != entryType {
			continue
		}
		result = append(result, *entry)
	}
	return result, nil
}

func (s *Store) ApplyAccrual(_ context.Context, entry domain.LoyaltyTransaction, evaluate func(string) int64, resolveTier func(int64) string) (*domain.LoyaltyCustomer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CustomerID == "" || entry.Type != domain.EntryEarned || entry.ReferenceNumber == "" || evaluate == nil {
		return nil, store.ErrInvalidEntry
	}
	if _, exists := s.entriesByRef[entry.ReferenceNumber]; exists {
		return nil, store.ErrConflict
	}

	customer, exists := s.customers[entry.CustomerID]
	if !exists {
		return nil, store.ErrNotFound
	}

	// Re-run the idempotency guard under the lock: a concurrent duplicate
	// of the same lifecycle fact must not accrue twice.
	for _, existing := range s.entries {
		if existing.CustomerID == entry.CustomerID &&
			existing.Type == domain.EntryEarned &&
			existing.SourceType == entry.SourceType &&
			existing.SourceID == entry.SourceID {
			return nil, store.ErrConflict
		}
	}

	// Points come from the tier observed under the lock, so a concurrent
	// tier upgrade cannot split the multiplier from tier_at_time.
	entry.Points = evaluate(customer.Tier)
	if entry.Points < 1 {
		return nil, store.ErrNotEligible
	}

	now := time.Now().UTC()
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = now
	}
	entry.TierAtTime = customer.Tier
	entry.RemainingPoints = entry.Points

	stored := entry
	s.entries = append(s.entries, &stored)
	s.entriesByRef[entry.ReferenceNumber] = struct{}{}

	customer.TotalPoints += entry.Points
	customer.AvailablePoints += entry.Points
	customer.LifetimePoints += entry.Points
	customer.Tier = resolveTier(customer.LifetimePoints)
	customer.UpdatedAt = now

	copied := *customer
	return &copied, nil
}

func (s *Store) ApplyReversal(_ context.Context, customerID string, offsets []domain.LoyaltyTransaction, allowNegative bool) (*domain.LoyaltyCustomer, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(offsets) == 0 {
		return nil, 0, store.ErrInvalidEntry
	}
	sourceType := offsets[0].SourceType
	sourceID := offsets[0].SourceID
	var reversed int64
	for _, offset := range offsets {
		if offset.CustomerID != customerID || offset.Type != domain.EntryAdjusted || offset.Points >= 0 || offset.ReferenceNumber == "" {
			return nil, 0, store.ErrInvalidEntry
		}
		if offset.SourceType != sourceType || offset.SourceID != sourceID {
			return nil, 0, store.ErrInvalidEntry
		}
		if _, exists := s.entriesByRef[offset.ReferenceNumber]; exists {
			return nil, 0, store.ErrConflict
		}
		reversed += -offset.Points
	}

	customer, exists := s.customers[customerID]
	if !exists {
		return nil, 0, store.ErrNotFound
	}

	// Duplicate-reversal guard under the lock.
	for _, existing := range s.entries {
		if existing.CustomerID == customerID &&
			existing.Type == domain.EntryAdjusted &&
			existing.SourceType == sourceType &&
			existing.SourceID == sourceID {
			return nil, 0, store.ErrConflict
		}
	}

	// The reversed source can no longer expire.
	for _, existing := range s.entries {
		if existing.CustomerID == customerID &&
			existing.Type == domain.EntryEarned &&
			existing.SourceType == sourceType &&
			existing.SourceID == sourceID {
			existing.RemainingPoints = 0
		}
	}

	now := time.Now().UTC()
	for _, offset := range offsets {
		if offset.ProcessedAt.IsZero() {
			offset.ProcessedAt = now
		}
		offset.TierAtTime = customer.Tier
		offset.RemainingPoints = 0
		stored := offset
		s.entries = append(s.entries, &stored)
		s.entriesByRef[offset.ReferenceNumber] = struct{}{}
	}

	var shortfall int64
	if allowNegative {
		customer.TotalPoints -= reversed
		customer.AvailablePoints -= reversed
	} else {
		if reversed > customer.AvailablePoints {
			shortfall = reversed - customer.AvailablePoints
		}
		customer.TotalPoints = clampZero(customer.TotalPoints - reversed)
		customer.AvailablePoints = clampZero(customer.AvailablePoints - reversed)
	}
	customer.UpdatedAt = now

	copied := *customer
	return &copied, shortfall, nil
}

func (s *Store) ApplyRedemption(_ context.Context, entry domain.LoyaltyTransaction) (*domain.LoyaltyCustomer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CustomerID == "" || entry.Type != domain.EntryRedeemed || entry.Points >= 0 || entry.ReferenceNumber == "" {
		return nil, store.ErrInvalidEntry
	}
	if _, exists := s.entriesByRef[entry.ReferenceNumber]; exists {
		return nil, store.ErrConflict
	}

	customer, exists := s.customers[entry.CustomerID]
	if !exists {
		return nil, store.ErrNotFound
	}

	spent := -entry.Points
	if spent > customer.AvailablePoints {
		return nil, store.ErrInsufficientPoints
	}

	now := time.Now().UTC()
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = now
	}
	entry.TierAtTime = customer.Tier
	entry.RemainingPoints = 0
	stored := entry
	s.entries = append(s.entries, &stored)
	s.entriesByRef[entry.ReferenceNumber] = struct{}{}

	s.drainRemainders(entry.CustomerID, spent)
	customer.AvailablePoints -= spent
	customer.UpdatedAt = now

	copied := *customer
	return &copied, nil
}

func (s *Store) ApplyAdjustment(_ context.Context, entry domain.LoyaltyTransaction, resolveTier func(int64) string, allowNegative bool) (*domain.LoyaltyCustomer, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CustomerID == "" || entry.Type != domain.EntryAdjusted || entry.Points == 0 || entry.ReferenceNumber == "" {
		return nil, 0, store.ErrInvalidEntry
	}
	if _, exists := s.entriesByRef[entry.ReferenceNumber]; exists {
		return nil, 0, store.ErrConflict
	}

	customer, exists := s.customers[entry.CustomerID]
	if !exists {
		return nil, 0, store.ErrNotFound
	}

	now := time.Now().UTC()
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = now
	}
	entry.TierAtTime = customer.Tier

	var shortfall int64
	if entry.Points > 0 {
		entry.RemainingPoints = entry.Points
		customer.TotalPoints += entry.Points
		customer.AvailablePoints += entry.Points
		customer.LifetimePoints += entry.Points
		customer.Tier = resolveTier(customer.LifetimePoints)
	} else {
		entry.RemainingPoints = 0
		deducted := -entry.Points
		s.drainRemainders(entry.CustomerID, deducted)
		if allowNegative {
			customer.TotalPoints -= deducted
			customer.AvailablePoints -= deducted
		} else {
			if deducted > customer.AvailablePoints {
				shortfall = deducted - customer.AvailablePoints
			}
			customer.TotalPoints = clampZero(customer.TotalPoints - deducted)
			customer.AvailablePoints = clampZero(customer.AvailablePoints - deducted)
		}
	}
	customer.UpdatedAt = now

	stored := entry
	s.entries = append(s.entries, &stored)
	s.entriesByRef[entry.ReferenceNumber] = struct{}{}

	copied := *customer
	return &copied, shortfall, nil
}

func (s *Store) ApplyExpiry(_ context.Context, earnedEntryID string, referenceNumber string, description string, at time.Time) (*domain.LoyaltyCustomer, *domain.LoyaltyTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if earnedEntryID == "" || referenceNumber == "" {
		return nil, nil, store.ErrInvalidEntry
	}
	if _, exists := s.entriesByRef[referenceNumber]; exists {
		return nil, nil, store.ErrConflict
	}

	var earned *domain.LoyaltyTransaction
	for _, entry := range s.entries {
		if entry.ID == earnedEntryID && entry.Type == domain.EntryEarned {
			earned = entry
			break
		}
	}
	if earned == nil {
		return nil, nil, store.ErrNotFound
	}
	if earned.RemainingPoints < 1 {
		return nil, nil, store.ErrConflict
	}

	customer, exists := s.customers[earned.CustomerID]
	if !exists {
		return nil, nil, store.ErrNotFound
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}
	expiring := earned.RemainingPoints
	offset := domain.LoyaltyTransaction{
		ID:              xid.New("ltx"),
		CustomerID:      earned.CustomerID,
		Type:            domain.EntryExpired,
		Points:          -expiring,
		SourceType:      earned.SourceType,
		SourceID:        earned.SourceID,
		Description:     description,
		ReferenceNumber: referenceNumber,
		TierAtTime:      customer.Tier,
		ProcessedAt:     at,
	}
	earned.RemainingPoints = 0

	stored := offset
	s.entries = append(s.entries, &stored)
	s.entriesByRef[referenceNumber] = struct{}{}

	// Expiry lowers the spendable balance only; lifetime and total keep
	// recording history.
	customer.AvailablePoints = clampZero(customer.AvailablePoints - expiring)
	customer.UpdatedAt = at

	copiedCustomer := *customer
	copiedEntry := stored
	return &copiedCustomer, &copiedEntry, nil
}

func (s *Store) ListTransactions(_ context.Context, customerID string, filter domain.TransactionFilter) ([]domain.LoyaltyTransaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]domain.LoyaltyTransaction, 0, 32)
	for _, entry := range s.entries {
		if entry.CustomerID != customerID {
			continue
		}
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if !filter.From.IsZero() && entry.ProcessedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !entry.ProcessedAt.Before(filter.To) {
			continue
		}
		matched = append(matched, *entry)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ProcessedAt.After(matched[j].ProcessedAt)
	})

	total := int64(len(matched))
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return []domain.LoyaltyTransaction{}, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *Store) ListExpirable(_ context.Context, cutoff time.Time, limit int) ([]domain.LoyaltyTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 1 {
		limit = 500
	}
	result := make([]domain.LoyaltyTransaction, 0, 32)
	for _, entry := range s.entries {
		if entry.Type != domain.EntryEarned || entry.RemainingPoints < 1 {
			continue
		}
		if !entry.ProcessedAt.Before(cutoff) {
			continue
		}
		result = append(result, *entry)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ProcessedAt.Before(result[j].ProcessedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListExpiringBetween(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.LoyaltyTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 1 {
		limit = 500
	}
	result := make([]domain.LoyaltyTransaction, 0, 32)
	for _, entry := range s.entries {
		if entry.Type != domain.EntryEarned || entry.RemainingPoints < 1 {
			continue
		}
		if entry.ProcessedAt.Before(from) || !entry.ProcessedAt.Before(to) {
			continue
		}
		result = append(result, *entry)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ProcessedAt.Before(result[j].ProcessedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetProgramStats(_ context.Context, from time.Time, to time.Time) (domain.ProgramStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.ProgramStats{
		TotalMembers: int64(len(s.customers)),
		From:         from,
		To:           to,
	}
	for _, entry := range s.entries {
		if entry.ProcessedAt.Before(from) || !entry.ProcessedAt.Before(to) {
			continue
		}
		switch entry.Type {
		case domain.EntryEarned:
			stats.PointsIssued += entry.Points
		case domain.EntryRedeemed:
			stats.PointsRedeemed += -entry.Points
		case domain.EntryExpired:
			stats.PointsExpired += -entry.Points
		}
	}
	return stats, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidEntry
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// drainRemainders consumes unconsumed earned points oldest-first. Entries
// are stored in insertion order, which tracks processed order.
func (s *Store) drainRemainders(customerID string, points int64) {
	remaining := points
	for _, entry := range s.entries {
		if remaining == 0 {
			break
		}
		if entry.CustomerID != customerID || entry.Type != domain.EntryEarned || entry.RemainingPoints < 1 {
			continue
		}
		used := remaining
		if used > entry.RemainingPoints {
			used = entry.RemainingPoints
		}
		entry.RemainingPoints -= used
		remaining -= used
	}
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
