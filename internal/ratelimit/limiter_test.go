package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	l.sleep = func(d time.Duration) { now = now.Add(d) }
	l.lastRefill = now
	return l, &now
}

func TestAcquireConsumesTokens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokensPerSecond = 100
	cfg.BucketSize = 2
	cfg.MinDelay = 0
	l, _ := newTestLimiter(cfg)

	require.True(t, l.Acquire())
	require.True(t, l.Acquire())

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.TotalRequests)
	assert.GreaterOrEqual(t, stats.Tokens, 0.0)
	assert.LessOrEqual(t, stats.Tokens, cfg.BucketSize)
}

func TestTokensNeverExceedBucketSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokensPerSecond = 10
	cfg.BucketSize = 3
	cfg.MinDelay = 0
	l, now := newTestLimiter(cfg)

	// A long idle period must not overfill the bucket.
	*now = now.Add(time.Hour)
	require.True(t, l.Acquire())

	stats := l.Stats()
	assert.LessOrEqual(t, stats.Tokens, cfg.BucketSize)
	assert.GreaterOrEqual(t, stats.Tokens, 0.0)
}

func TestAcquireBlocksOnEmptyBucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokensPerSecond = 2
	cfg.BucketSize = 1
	cfg.MinDelay = 0
	l, now := newTestLimiter(cfg)

	start := *now
	require.True(t, l.Acquire())
	require.True(t, l.Acquire())

	// The second acquire had to wait for a refill: with 2 tokens/sec the
	// deficit costs about half a second of simulated time.
	assert.GreaterOrEqual(t, now.Sub(start), 400*time.Millisecond)
}

func TestCircuitBreakerTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokensPerSecond = 100
	cfg.BucketSize = 2
	cfg.FailureThreshold = 2
	l, _ := newTestLimiter(cfg)

	l.RecordFailure()
	assert.False(t, l.Stats().CircuitOpen)

	l.RecordFailure()
	assert.True(t, l.Stats().CircuitOpen)

	assert.False(t, l.Acquire())
}

func TestCircuitBreakerResetsAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokensPerSecond = 100
	cfg.BucketSize = 5
	cfg.FailureThreshold = 2
	cfg.ResetTimeout = 10 * time.Second
	cfg.MinDelay = 0
	l, now := newTestLimiter(cfg)

	l.RecordFailure()
	l.RecordFailure()
	require.False(t, l.Acquire())

	*now = now.Add(11 * time.Second)
	assert.True(t, l.Acquire())

	stats := l.Stats()
	assert.False(t, stats.CircuitOpen)
	assert.Equal(t, 0, stats.Failures)
	assert.Equal(t, cfg.MinDelay, stats.CurrentDelay)
}

func TestSuccessUnwindsFailureCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	l, _ := newTestLimiter(cfg)

	l.RecordFailure()
	l.RecordFailure()
	l.RecordSuccess()
	l.RecordFailure()
	assert.False(t, l.Stats().CircuitOpen)

	l.RecordFailure()
	assert.True(t, l.Stats().CircuitOpen)
}

func TestDelayStaysWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinDelay = 100 * time.Millisecond
	cfg.MaxDelay = 1 * time.Second
	cfg.GrowthFactor = 3.0
	cfg.DecayFactor = 0.5
	cfg.FailureThreshold = 1000
	l, _ := newTestLimiter(cfg)

	for i := 0; i < 20; i++ {
		l.RecordFailure()
		d := l.Stats().CurrentDelay
		assert.GreaterOrEqual(t, d, cfg.MinDelay)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
	}
	assert.Equal(t, cfg.MaxDelay, l.Stats().CurrentDelay)

	for i := 0; i < 20; i++ {
		l.RecordSuccess()
		d := l.Stats().CurrentDelay
		assert.GreaterOrEqual(t, d, cfg.MinDelay)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
	}
	assert.Equal(t, cfg.MinDelay, l.Stats().CurrentDelay)
}

func TestDelayGrowsAndDecaysStrictly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Minute
	cfg.FailureThreshold = 1000
	l, _ := newTestLimiter(cfg)

	before := l.Stats().CurrentDelay
	l.RecordFailure()
	after := l.Stats().CurrentDelay
	assert.Greater(t, after, before)

	l.RecordSuccess()
	assert.Less(t, l.Stats().CurrentDelay, after)
}

func TestRecordRateLimitedCountsSeparately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 10
	l, _ := newTestLimiter(cfg)

	l.RecordRateLimited()
	l.RecordFailure()

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.FailedRequests)
	assert.Equal(t, uint64(1), stats.RateLimitedRequests)
	assert.Equal(t, 2, stats.Failures)
}
