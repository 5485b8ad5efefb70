// Package ratelimit implements the per-user fixed-window limiters described
// for chat and gift events, backed by Redis (or an in-memory store when Redis
// is unavailable).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/flylive/msab/internal/v1/config"
	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Class identifies which per-user limiter a check applies to.
type Class string

const (
	// ClassChat limits chat:message events (default 60/min per user).
	ClassChat Class = "chat"
	// ClassGift limits gift:send events (default 330/min per user).
	ClassGift Class = "gift"
)

// RateLimiter holds the fixed-window limiter instances for chat and gift events.
type RateLimiter struct {
	chat  *limiter.Limiter
	gift  *limiter.Limiter
	store limiter.Store
}

// NewRateLimiter builds a RateLimiter from validated config. When redisClient
// is nil it falls back to an in-process memory store (single-instance dev mode).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	chatRate := limiter.Rate{Period: time.Minute, Limit: int64(cfg.RateLimitChatPerMin)}
	giftRate := limiter.Rate{Period: time.Minute, Limit: int64(cfg.RateLimitGiftPerMin)}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "msab:ratelimit:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis rate limit store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (no redis client configured)")
	}

	return &RateLimiter{
		chat:  limiter.New(store, chatRate),
		gift:  limiter.New(store, giftRate),
		store: store,
	}, nil
}

// Allow checks and consumes one unit of the given class's window for userID.
// It fails open (allows the request) when the underlying store errors, since
// availability of the dispatcher outweighs strict limiting during a store outage.
func (rl *RateLimiter) Allow(ctx context.Context, class Class, userID string) (bool, error) {
	var inst *limiter.Limiter
	switch class {
	case ClassChat:
		inst = rl.chat
	case ClassGift:
		inst = rl.gift
	default:
		return false, fmt.Errorf("unknown rate limit class %q", class)
	}

	key := string(class) + ":" + userID
	result, err := inst.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed, failing open", zap.Error(err))
		return true, nil
	}

	if result.Reached {
		metrics.RateLimitExceededTotal.WithLabelValues(string(class)).Inc()
		return false, nil
	}
	return true, nil
}
