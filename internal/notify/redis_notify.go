package notify

import (
	"context"
	"encoding/json"
	"log"

	redis "github.com/redis/go-redis/v9"

	"atelierloyalty/backend/internal/domain"
)

// Pub/sub channels consumed by downstream messaging workers (email, SMS,
// in-app).
const (
	ChannelPointsEarned       = "loyalty.points_earned"
	ChannelTierUpgraded       = "loyalty.tier_upgraded"
	ChannelPointsExpiringSoon = "loyalty.points_expiring_soon"
	ChannelPointsExpired      = "loyalty.points_expired"
)

// RedisNotifier publishes signals as JSON on redis pub/sub channels.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) PointsEarned(ctx context.Context, signal domain.PointsEarnedSignal) {
	n.publish(ctx, ChannelPointsEarned, signal)
}

func (n *RedisNotifier) TierUpgraded(ctx context.Context, signal domain.TierUpgradedSignal) {
	n.publish(ctx, ChannelTierUpgraded, signal)
}

func (n *RedisNotifier) PointsExpiringSoon(ctx context.Context, signal domain.PointsExpiringSoonSignal) {
	n.publish(ctx, ChannelPointsExpiringSoon, signal)
}

func (n *RedisNotifier) PointsExpired(ctx context.Context, signal domain.PointsExpiredSignal) {
	n.publish(ctx, ChannelPointsExpired, signal)
}

func (n *RedisNotifier) publish(ctx context.Context, channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[notify] WARNING: marshal for %s failed: %v", channel, err)
		return
	}
	if err := n.client.Publish(ctx, channel, body).Err(); err != nil {
		log.Printf("[notify] WARNING: publish to %s failed: %v", channel, err)
	}
}
