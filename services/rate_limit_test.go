package services_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firstpeek/peek_api/services"
	"github.com/firstpeek/peek_api/shared"
)

func shortWindowConfigs(max int, window time.Duration) map[string]*services.RateLimitConfig {
	return map[string]*services.RateLimitConfig{
		shared.ClassFeed: {
			OperationClass: shared.ClassFeed,
			MaxRequests:    max,
			WindowSize:     window,
			Description:    "test window",
		},
	}
}

func TestRateLimiterAllow_ExactlyLimitWithinWindow(t *testing.T) {
	limiter := services.NewRateLimiter(shortWindowConfigs(3, time.Minute))

	for i := 0; i < 3; i++ {
		allowed, info := limiter.Allow(shared.ClassFeed, "203.0.113.30")
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 3-(i+1), info.Remaining)
	}

	allowed, info := limiter.Allow(shared.ClassFeed, "203.0.113.30")
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.Greater(t, info.RetryAfterSeconds, 0)
}

func TestRateLimiterAllow_IdentitiesAreIndependent(t *testing.T) {
	limiter := services.NewRateLimiter(shortWindowConfigs(1, time.Minute))

	allowed, _ := limiter.Allow(shared.ClassFeed, "203.0.113.31")
	require.True(t, allowed)
	allowed, _ = limiter.Allow(shared.ClassFeed, "203.0.113.31")
	require.False(t, allowed)

	allowed, _ = limiter.Allow(shared.ClassFeed, "203.0.113.32")
	assert.True(t, allowed)
}

func TestRateLimiterAllow_WindowExpiryResets(t *testing.T) {
	limiter := services.NewRateLimiter(shortWindowConfigs(1, 30*time.Millisecond))

	allowed, _ := limiter.Allow(shared.ClassFeed, "203.0.113.33")
	require.True(t, allowed)
	allowed, _ = limiter.Allow(shared.ClassFeed, "203.0.113.33")
	require.False(t, allowed)

	time.Sleep(40 * time.Millisecond)

	// Expired entries count as absent even before the sweep ran.
	allowed, info := limiter.Allow(shared.ClassFeed, "203.0.113.33")
	assert.True(t, allowed)
	assert.Equal(t, 0, info.Remaining)
}

func TestRateLimiterAllow_UnknownClassPassesThrough(t *testing.T) {
	limiter := services.NewRateLimiter(shortWindowConfigs(1, time.Minute))

	allowed, info := limiter.Allow("unconfigured", "203.0.113.34")
	assert.True(t, allowed)
	assert.Equal(t, -1, info.Remaining)
}

func TestRateLimiterSweep_RemovesExpiredEntries(t *testing.T) {
	limiter := services.NewRateLimiter(shortWindowConfigs(5, 20*time.Millisecond))

	for i := 0; i < 4; i++ {
		limiter.Allow(shared.ClassFeed, fmt.Sprintf("203.0.113.%d", 40+i))
	}
	assert.Zero(t, limiter.Sweep())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, limiter.Sweep())

	stats := limiter.Stats()
	assert.Equal(t, 0, stats["tracked_keys"])
}

func TestRateLimiterReset_ClearsSingleCounter(t *testing.T) {
	limiter := services.NewRateLimiter(shortWindowConfigs(1, time.Minute))

	limiter.Allow(shared.ClassFeed, "203.0.113.50")
	allowed, _ := limiter.Allow(shared.ClassFeed, "203.0.113.50")
	require.False(t, allowed)

	limiter.Reset(shared.ClassFeed, "203.0.113.50")

	allowed, _ = limiter.Allow(shared.ClassFeed, "203.0.113.50")
	assert.True(t, allowed)
}

func TestDefaultRateLimitConfigs_CoverEveryOperationClass(t *testing.T) {
	configs := services.DefaultRateLimitConfigs()

	for _, class := range []string{shared.ClassAdmin, shared.ClassPublic, shared.ClassIngest, shared.ClassFeed} {
		config, ok := configs[class]
		require.True(t, ok, "missing class %s", class)
		assert.Greater(t, config.MaxRequests, 0)
		assert.Greater(t, config.WindowSize, time.Duration(0))
	}
}
