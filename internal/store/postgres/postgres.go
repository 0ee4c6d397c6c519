package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"atelierloyalty/backend/internal/domain"
	"atelierloyalty/backend/internal/store"
	"atelierloyalty/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS loyalty_customers (
			customer_id      text PRIMARY KEY,
			total_points     bigint NOT NULL DEFAULT 0,
			available_points bigint NOT NULL DEFAULT 0,
			lifetime_points  bigint NOT NULL DEFAULT 0,
			tier             text NOT NULL,
			created_at       timestamptz NOT NULL DEFAULT now(),
			updated_at       timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS loyalty_transactions (
			id               text PRIMARY KEY,
			customer_id      text NOT NULL REFERENCES loyalty_customers(customer_id),
			type             text NOT NULL,
			points           bigint NOT NULL,
			remaining_points bigint NOT NULL DEFAULT 0,
			source_type      text NOT NULL,
			source_id        text,
			description      text NOT NULL DEFAULT '',
			reference_number text NOT NULL UNIQUE,
			tier_at_time     text NOT NULL,
			processed_at     timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loyalty_tx_source
			ON loyalty_transactions (customer_id, source_type, source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_loyalty_tx_customer_time
			ON loyalty_transactions (customer_id, processed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_loyalty_tx_expirable
			ON loyalty_transactions (processed_at) WHERE type = 'earned' AND remaining_points > 0`,
		`CREATE TABLE IF NOT EXISTS loyalty_users (
			username   text PRIMARY KEY,
			password   text NOT NULL,
			role       text NOT NULL,
			active     boolean NOT NULL DEFAULT true,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.LoyaltyCustomer, error) {
	var customer domain.LoyaltyCustomer
	err := s.db.QueryRowContext(ctx, `
		SELECT customer_id, total_points, available_points, lifetime_points, tier, created_at, updated_at
		FROM loyalty_customers
		WHERE customer_id = $1
	`, customerID).Scan(
		&customer.CustomerID,
		&customer.TotalPoints,
		&customer.AvailablePoints,
		&customer.LifetimePoints,
		&customer.Tier,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	customer.UpdatedAt = customer.UpdatedAt.UTC()
	return &customer, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.LoyaltyCustomer) (*domain.LoyaltyCustomer, error) {
	if strings.TrimSpace(customer.CustomerID) == "" || customer.Tier == "" {
		return nil, store.ErrInvalidEntry
	}
	now := time.Now().UTC()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}
	customer.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_customers (customer_id, total_points, available_points, lifetime_points, tier, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, customer.CustomerID, customer.TotalPoints, customer.AvailablePoints, customer.LifetimePoints, customer.Tier, customer.CreatedAt, customer.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) CountCustomers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)::bigint FROM loyalty_customers`).Scan(&count)
	return count, err
}

func (s *Store) ListEntriesBySource(ctx context.Context, customerID string, sourceType string, sourceID string, entryType string) ([]domain.LoyaltyTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, type, points, remaining_points, source_type, COALESCE(source_id,''),
			description, reference_number, tier_at_time, processed_at
		FROM loyalty_transactions
		WHERE customer_id = $1 AND source_type = $2 AND source_id = $3
			AND ($4 = '' OR type = $4)
		ORDER BY processed_at ASC
	`, customerID, sourceType, sourceID, entryType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows, 4)
}

func (s *Store) ApplyAccrual(ctx context.Context, entry domain.LoyaltyTransaction, evaluate func(string) int64, resolveTier func(int64) string) (*domain.LoyaltyCustomer, error) {
	if entry.CustomerID == "" || entry.Type != domain.EntryEarned || entry.ReferenceNumber == "" || evaluate == nil {
		return nil, store.ErrInvalidEntry
	}
	if entry.ID == "" {
		entry.ID = xid.New("ltx")
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	customer, err := lockCustomer(ctx, pgTx, entry.CustomerID)
	if err != nil {
		return nil, err
	}

	// Duplicate source guard, re-checked under the row lock.
	var existing int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint
		FROM loyalty_transactions
		WHERE customer_id = $1 AND type = $2 AND source_type = $3 AND source_id = $4
	`, entry.CustomerID, domain.EntryEarned, entry.SourceType, entry.SourceID).Scan(&existing)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, store.ErrConflict
	}

	// Points come from the tier observed under the row lock, so a
	// concurrent tier upgrade cannot split the multiplier from tier_at_time.
	entry.Points = evaluate(customer.Tier)
	if entry.Points < 1 {
		return nil, store.ErrNotEligible
	}

	entry.TierAtTime = customer.Tier
	entry.RemainingPoints = entry.Points
	if err := insertEntry(ctx, pgTx, entry); err != nil {
		return nil, err
	}

	customer.TotalPoints += entry.Points
	customer.AvailablePoints += entry.Points
	customer.LifetimePoints += entry.Points
	customer.Tier = resolveTier(customer.LifetimePoints)
	if err := updateCustomer(ctx, pgTx, customer); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return customer, nil
}

func (s *Store) ApplyReversal(ctx context.Context, customerID string, offsets []domain.LoyaltyTransaction, allowNegative bool) (*domain.LoyaltyCustomer, int64, error) {
	if len(offsets) == 0 {
		return nil, 0, store.ErrInvalidEntry
	}
	sourceType := offsets[0].SourceType
	sourceID := offsets[0].SourceID
	var reversed int64
	for i := range offsets {
		offset := &offsets[i]
		if offset.CustomerID != customerID || offset.Type != domain.EntryAdjusted || offset.Points >= 0 || offset.ReferenceNumber == "" {
			return nil, 0, store.ErrInvalidEntry
		}
		if offset.SourceType != sourceType || offset.SourceID != sourceID {
			return nil, 0, store.ErrInvalidEntry
		}
		if offset.ID == "" {
			offset.ID = xid.New("ltx")
		}
		if offset.ProcessedAt.IsZero() {
			offset.ProcessedAt = time.Now().UTC()
		}
		reversed += -offset.Points
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = pgTx.Rollback() }()

	customer, err := lockCustomer(ctx, pgTx, customerID)
	if err != nil {
		return nil, 0, err
	}

	var alreadyReversed int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint
		FROM loyalty_transactions
		WHERE customer_id = $1 AND type = $2 AND source_type = $3 AND source_id = $4
	`, customerID, domain.EntryAdjusted, sourceType, sourceID).Scan(&alreadyReversed)
	if err != nil {
		return nil, 0, err
	}
	if alreadyReversed > 0 {
		return nil, 0, store.ErrConflict
	}

	// The reversed source can no longer expire.
	_, err = pgTx.ExecContext(ctx, `
		UPDATE loyalty_transactions
		SET remaining_points = 0
		WHERE customer_id = $1 AND type = $2 AND source_type = $3 AND source_id = $4
	`, customerID, domain.EntryEarned, sourceType, sourceID)
	if err != nil {
		return nil, 0, err
	}

	for i := range offsets {
		offsets[i].TierAtTime = customer.Tier
		offsets[i].RemainingPoints = 0
		if err := insertEntry(ctx, pgTx, offsets[i]); err != nil {
			return nil, 0, err
		}
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
	if err := updateCustomer(ctx, pgTx, customer); err != nil {
		return nil, 0, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, 0, err
	}
	return customer, shortfall, nil
}

func (s *Store) ApplyRedemption(ctx context.Context, entry domain.LoyaltyTransaction) (*domain.LoyaltyCustomer, error) {
	if entry.CustomerID == "" || entry.Type != domain.EntryRedeemed || entry.Points >= 0 || entry.ReferenceNumber == "" {
		return nil, store.ErrInvalidEntry
	}
	if entry.ID == "" {
		entry.ID = xid.New("ltx")
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}
	spent := -entry.Points

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	customer, err := lockCustomer(ctx, pgTx, entry.CustomerID)
	if err != nil {
		return nil, err
	}
	if spent > customer.AvailablePoints {
		return nil, store.ErrInsufficientPoints
	}

	if err := drainRemainders(ctx, pgTx, entry.CustomerID, spent); err != nil {
		return nil, err
	}

	entry.TierAtTime = customer.Tier
	entry.RemainingPoints = 0
	if err := insertEntry(ctx, pgTx, entry); err != nil {
		return nil, err
	}

	customer.AvailablePoints -= spent
	if err := updateCustomer(ctx, pgTx, customer); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return customer, nil
}

func (s *Store) ApplyAdjustment(ctx context.Context, entry domain.LoyaltyTransaction, resolveTier func(int64) string, allowNegative bool) (*domain.LoyaltyCustomer, int64, error) {
	if entry.CustomerID == "" || entry.Type != domain.EntryAdjusted || entry.Points == 0 || entry.ReferenceNumber == "" {
		return nil, 0, store.ErrInvalidEntry
	}
	if entry.ID == "" {
		entry.ID = xid.New("ltx")
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = pgTx.Rollback() }()

	customer, err := lockCustomer(ctx, pgTx, entry.CustomerID)
	if err != nil {
		return nil, 0, err
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
		if err := drainRemainders(ctx, pgTx, entry.CustomerID, deducted); err != nil {
			return nil, 0, err
		}
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

	if err := insertEntry(ctx, pgTx, entry); err != nil {
		return nil, 0, err
	}
	if err := updateCustomer(ctx, pgTx, customer); err != nil {
		return nil, 0, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, 0, err
	}
	return customer, shortfall, nil
}

func (s *Store) ApplyExpiry(ctx context.Context, earnedEntryID string, referenceNumber string, description string, at time.Time) (*domain.LoyaltyCustomer, *domain.LoyaltyTransaction, error) {
	if earnedEntryID == "" || referenceNumber == "" {
		return nil, nil, store.ErrInvalidEntry
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var customerID string
	var remaining int64
	var sourceType string
	var sourceID sql.NullString
	err = pgTx.QueryRowContext(ctx, `
		SELECT customer_id, remaining_points, source_type, source_id
		FROM loyalty_transactions
		WHERE id = $1 AND type = $2
		FOR UPDATE
	`, earnedEntryID, domain.EntryEarned).Scan(&customerID, &remaining, &sourceType, &sourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	if remaining < 1 {
		return nil, nil, store.ErrConflict
	}

	customer, err := lockCustomer(ctx, pgTx, customerID)
	if err != nil {
		return nil, nil, err
	}

	offset := domain.LoyaltyTransaction{
		ID:              xid.New("ltx"),
		CustomerID:      customerID,
		Type:            domain.EntryExpired,
		Points:          -remaining,
		SourceType:      sourceType,
		SourceID:        sourceID.String,
		Description:     description,
		ReferenceNumber: referenceNumber,
		TierAtTime:      customer.Tier,
		ProcessedAt:     at,
	}
	if err := insertEntry(ctx, pgTx, offset); err != nil {
		return nil, nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE loyalty_transactions
		SET remaining_points = 0
		WHERE id = $1
	`, earnedEntryID)
	if err != nil {
		return nil, nil, err
	}

	customer.AvailablePoints = clampZero(customer.AvailablePoints - remaining)
	if err := updateCustomer(ctx, pgTx, customer); err != nil {
		return nil, nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}
	return customer, &offset, nil
}

func (s *Store) ListTransactions(ctx context.Context, customerID string, filter domain.TransactionFilter) ([]domain.LoyaltyTransaction, int64, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	from := filter.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := filter.To
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}

	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::bigint
		FROM loyalty_transactions
		WHERE customer_id = $1
			AND ($2 = '' OR type = $2)
			AND processed_at >= $3
			AND processed_at < $4
	`, customerID, filter.Type, from, to).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, type, points, remaining_points, source_type, COALESCE(source_id,''),
			description, reference_number, tier_at_time, processed_at
		FROM loyalty_transactions
		WHERE customer_id = $1
			AND ($2 = '' OR type = $2)
			AND processed_at >= $3
			AND processed_at < $4
		ORDER BY processed_at DESC
		LIMIT $5 OFFSET $6
	`, customerID, filter.Type, from, to, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows, limit)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]domain.LoyaltyTransaction, error) {
	if limit < 1 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, type, points, remaining_points, source_type, COALESCE(source_id,''),
			description, reference_number, tier_at_time, processed_at
		FROM loyalty_transactions
		WHERE type = $1 AND remaining_points > 0 AND processed_at < $2
		ORDER BY processed_at ASC
		LIMIT $3
	`, domain.EntryEarned, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows, limit)
}

func (s *Store) ListExpiringBetween(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.LoyaltyTransaction, error) {
	if limit < 1 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, type, points, remaining_points, source_type, COALESCE(source_id,''),
			description, reference_number, tier_at_time, processed_at
		FROM loyalty_transactions
		WHERE type = $1 AND remaining_points > 0
			AND processed_at >= $2 AND processed_at < $3
		ORDER BY processed_at ASC
		LIMIT $4
	`, domain.EntryEarned, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows, limit)
}

func (s *Store) GetProgramStats(ctx context.Context, from time.Time, to time.Time) (domain.ProgramStats, error) {
	stats := domain.ProgramStats{From: from, To: to}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)::bigint FROM loyalty_customers`).Scan(&stats.TotalMembers)
	if err != nil {
		return stats, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN type = $3 THEN points ELSE 0 END),0)::bigint,
			COALESCE(SUM(CASE WHEN type = $4 THEN -points ELSE 0 END),0)::bigint,
			COALESCE(SUM(CASE WHEN type = $5 THEN -points ELSE 0 END),0)::bigint
		FROM loyalty_transactions
		WHERE processed_at >= $1 AND processed_at < $2
	`, from, to, domain.EntryEarned, domain.EntryRedeemed, domain.EntryExpired).Scan(
		&stats.PointsIssued,
		&stats.PointsRedeemed,
		&stats.PointsExpired,
	)
	return stats, err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidEntry
	}
	if user.Role == "" {
		user.Role = "integration"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM loyalty_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidEntry
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE loyalty_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// lockCustomer reads the summary row FOR UPDATE so concurrent ledger writes
// for one customer serialize on it.
func lockCustomer(ctx context.Context, pgTx *sql.Tx, customerID string) (*domain.LoyaltyCustomer, error) {
	var customer domain.LoyaltyCustomer
	err := pgTx.QueryRowContext(ctx, `
		SELECT customer_id, total_points, available_points, lifetime_points, tier, created_at, updated_at
		FROM loyalty_customers
		WHERE customer_id = $1
		FOR UPDATE
	`, customerID).Scan(
		&customer.CustomerID,
		&customer.TotalPoints,
		&customer.AvailablePoints,
		&customer.LifetimePoints,
		&customer.Tier,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	customer.UpdatedAt = customer.UpdatedAt.UTC()
	return &customer, nil
}

func insertEntry(ctx context.Context, pgTx *sql.Tx, entry domain.LoyaltyTransaction) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO loyalty_transactions (
			id, customer_id, type, points, remaining_points, source_type, source_id,
			description, reference_number, tier_at_time, processed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, entry.ID, entry.CustomerID, entry.Type, entry.Points, entry.RemainingPoints,
		entry.SourceType, nullIfEmpty(entry.SourceID), entry.Description,
		entry.ReferenceNumber, entry.TierAtTime, entry.ProcessedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func updateCustomer(ctx context.Context, pgTx *sql.Tx, customer *domain.LoyaltyCustomer) error {
	customer.UpdatedAt = time.Now().UTC()
	res, err := pgTx.ExecContext(ctx, `
		UPDATE loyalty_customers
		SET total_points = $2, available_points = $3, lifetime_points = $4, tier = $5, updated_at = $6
		WHERE customer_id = $1
	`, customer.CustomerID, customer.TotalPoints, customer.AvailablePoints, customer.LifetimePoints, customer.Tier, customer.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// drainRemainders consumes unconsumed earned points oldest-first inside the
// caller's transaction.
func drainRemainders(ctx context.Context, pgTx *sql.Tx, customerID string, points int64) error {
	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, remaining_points
		FROM loyalty_transactions
		WHERE customer_id = $1 AND type = $2 AND remaining_points > 0
		ORDER BY processed_at ASC
		FOR UPDATE
	`, customerID, domain.EntryEarned)
	if err != nil {
		return err
	}
	type remainderState struct {
		id        string
		remaining int64
	}
	remainders := make([]remainderState, 0, 8)
	for rows.Next() {
		var state remainderState
		if err := rows.Scan(&state.id, &state.remaining); err != nil {
			_ = rows.Close()
			return err
		}
		remainders = append(remainders, state)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	remaining := points
	for _, state := range remainders {
		if remaining == 0 {
			break
		}
		used := remaining
		if used > state.remaining {
			used = state.remaining
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE loyalty_transactions
			SET remaining_points = remaining_points - $1
			WHERE id = $2
		`, used, state.id)
		if err != nil {
			return err
		}
		remaining -= used
	}
	return nil
}

func scanEntries(rows *sql.Rows, sizeHint int) ([]domain.LoyaltyTransaction, error) {
	entries := make([]domain.LoyaltyTransaction, 0, sizeHint)
	for rows.Next() {
		var entry domain.LoyaltyTransaction
		if err := rows.Scan(
			&entry.ID,
			&entry.CustomerID,
			&entry.Type,
			&entry.Points,
			&entry.RemainingPoints,
			&entry.SourceType,
			&entry.SourceID,
			&entry.Description,
			&entry.ReferenceNumber,
			&entry.TierAtTime,
			&entry.ProcessedAt,
		); err != nil {
			return nil, err
		}
		entry.ProcessedAt = entry.ProcessedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
