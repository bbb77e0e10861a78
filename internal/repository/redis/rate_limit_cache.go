package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"blog-auth-service/internal/model"
	"blog-auth-service/internal/util"
)

const (
	otpEmailPrefix = "otp:req:email:"
	otpIPPrefix    = "otp:req:ip:"
)

// counterStore is the slice of the Redis client the limiter uses.
type counterStore interface {
	IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error)
}

// RateLimitCache is a fixed-window counter on Redis. The first increment of
// a key arms the window expiry; every later increment inside the window only
// bumps the count, so the window never slides.
type RateLimitCache struct {
	client counterStore
}

func NewRateLimitCache(client counterStore) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// Enforce counts this attempt and fails once the window's counter passes
// limit. A rejected attempt still counts, so hammering a limited key keeps
// it limited.
func (c *RateLimitCache) Enforce(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	if count > int64(limit) {
		util.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", limit))
		return model.ErrRateLimitExceeded
	}

	return nil
}

// EmailKey builds the per-address OTP request counter key.
func EmailKey(email string) string {
	return otpEmailPrefix + email
}

// IPKey builds the per-source OTP request counter key.
func IPKey(ip string) string {
	return otpIPPrefix + ip
}
