package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/flylive/msab/internal/v1/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		RateLimitChatPerMin: 5,
		RateLimitGiftPerMin: 5,
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_Memory(t *testing.T) {
	cfg := &config.Config{RateLimitChatPerMin: 60, RateLimitGiftPerMin: 330}
	rl, err := NewRateLimiter(cfg, nil)
	assert.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestAllow_ChatWithinLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		allowed, err := rl.Allow(ctx, ClassChat, "user-1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}
}

func TestAllow_ChatExceedsLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := rl.Allow(ctx, ClassChat, "user-2")
		require.NoError(t, err)
	}

	allowed, err := rl.Allow(ctx, ClassChat, "user-2")
	require.NoError(t, err)
	assert.False(t, allowed, "6th chat event should be rejected")
}

func TestAllow_ChatAndGiftAreIndependent(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := rl.Allow(ctx, ClassChat, "user-3")
		require.NoError(t, err)
	}

	allowed, err := rl.Allow(ctx, ClassGift, "user-3")
	require.NoError(t, err)
	assert.True(t, allowed, "exhausting the chat window must not affect the gift window")
}

func TestAllow_PerUserIsolated(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := rl.Allow(ctx, ClassChat, "user-4")
		require.NoError(t, err)
	}

	allowed, err := rl.Allow(ctx, ClassChat, "user-5")
	require.NoError(t, err)
	assert.True(t, allowed, "a different user's window must be independent")
}

func TestAllow_FailsOpenOnStoreError(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close() // simulate store outage

	allowed, err := rl.Allow(context.Background(), ClassChat, "user-6")
	assert.NoError(t, err)
	assert.True(t, allowed, "rate limiter must fail open when the store is unreachable")
}

func TestAllow_UnknownClass(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	_, err := rl.Allow(context.Background(), Class("unknown"), "user-7")
	assert.Error(t, err)
}
