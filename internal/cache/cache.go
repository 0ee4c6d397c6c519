package cache

import (
	"context"
	"time"

	"atelierloyalty/backend/internal/domain"
)

// ProfileCache holds assembled customer profiles. The ledger is the source
// of truth; cache failures are never surfaced past a warning log, and every
// ledger write invalidates the customer's entry.
type ProfileCache interface {
	Get(ctx context.Context, customerID string) (*domain.CustomerProfile, bool, error)
	Set(ctx context.Context, customerID string, profile *domain.CustomerProfile, ttl time.Duration) error
	Invalidate(ctx context.Context, customerID string) error
}

type NoopProfileCache struct{}

func (NoopProfileCache) Get(_ context.Context, _ string) (*domain.CustomerProfile, bool, error) {
	return nil, false, nil
}

func (NoopProfileCache) Set(_ context.Context, _ string, _ *domain.CustomerProfile, _ time.Duration) error {
	return nil
}

func (NoopProfileCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
