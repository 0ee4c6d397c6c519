// Package notify delivers customer-facing loyalty signals. Delivery is
// fire-and-forget: the ledger write has already committed by the time a
// notifier runs, and a failed send is logged and dropped, never retried
// against the ledger.
package notify

import (
	"context"
	"log"

	"atelierloyalty/backend/internal/domain"
)

type Notifier interface {
	PointsEarned(ctx context.Context, signal domain.PointsEarnedSignal)
	TierUpgraded(ctx context.Context, signal domain.TierUpgradedSignal)
	PointsExpiringSoon(ctx context.Context, signal domain.PointsExpiringSoonSignal)
	PointsExpired(ctx context.Context, signal domain.PointsExpiredSignal)
}

// LogNotifier is the dev/demo notifier: every signal becomes a log line.
type LogNotifier struct{}

func (LogNotifier) PointsEarned(_ context.Context, signal domain.PointsEarnedSignal) {
	log.Printf("[notify] points earned: customer=%s points=%d source=%s/%s",
		signal.CustomerID, signal.Points, signal.SourceType, signal.SourceID)
}

func (LogNotifier) TierUpgraded(_ context.Context, signal domain.TierUpgradedSignal) {
	log.Printf("[notify] tier upgraded: customer=%s %s -> %s",
		signal.CustomerID, signal.OldTier, signal.NewTier)
}

func (LogNotifier) PointsExpiringSoon(_ context.Context, signal domain.PointsExpiringSoonSignal) {
	log.Printf("[notify] points expiring soon: customer=%s points=%d days=%d",
		signal.CustomerID, signal.Points, signal.DaysBefore)
}

func (LogNotifier) PointsExpired(_ context.Context, signal domain.PointsExpiredSignal) {
	log.Printf("[notify] points expired: customer=%s points=%d",
		signal.CustomerID, signal.Points)
}
