// Package ratelimit implements token-bucket admission control with an
// adaptive inter-request delay and a circuit breaker. Every outbound
// request must pass Acquire before it is attempted.
package ratelimit

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"devicecrawl/internal/logger"
	"devicecrawl/internal/metrics"
)

type Config struct {
	TokensPerSecond  float64
	BucketSize       float64
	MinDelay         time.Duration
	MaxDelay         time.Duration
	GrowthFactor     float64
	DecayFactor      float64
	JitterFraction   float64
	FailureThreshold int
	ResetTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		TokensPerSecond:  2,
		BucketSize:       5,
		MinDelay:         250 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		GrowthFactor:     2.0,
		DecayFactor:      0.9,
		JitterFraction:   0.2,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// Stats is a point-in-time snapshot of the limiter state.
type Stats struct {
	TotalRequests       uint64        `json:"total_requests"`
	SuccessfulRequests  uint64        `json:"successful_requests"`
	FailedRequests      uint64        `json:"failed_requests"`
	RateLimitedRequests uint64        `json:"rate_limited_requests"`
	Tokens              float64       `json:"tokens"`
	CurrentDelay        time.Duration `json:"current_delay"`
	Failures            int           `json:"failures"`
	CircuitOpen         bool          `json:"circuit_open"`
}

type Limiter struct {
	cfg Config
	log zerolog.Logger

	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	currentDelay time.Duration
	failures     int
	circuitOpen  bool
	openUntil    time.Time

	totalRequests       uint64
	successfulRequests  uint64
	failedRequests      uint64
	rateLimitedRequests uint64

	// Overridable for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:          cfg,
		log:          logger.WithComponent("RateLimiter"),
		tokens:       cfg.BucketSize,
		currentDelay: cfg.MinDelay,
		now:          time.Now,
		sleep:        time.Sleep,
	}
	l.lastRefill = l.now()
	return l
}

// Acquire blocks until a token is available and the adaptive delay has
// elapsed, then returns true. It returns false immediately while the
// circuit is open.
func (l *Limiter) Acquire() bool {
	l.mu.Lock()

	now := l.now()
	if l.circuitOpen {
		if now.Before(l.openUntil) {
			l.mu.Unlock()
			return false
		}
		// Half-open: allow traffic again and start from a clean slate.
		l.circuitOpen = false
		l.failures = 0
		l.currentDelay = l.cfg.MinDelay
		metrics.UpdateCircuitOpen(false)
		l.log.Info().Msg("circuit closed after reset timeout")
	}

	l.refillLocked(now)
	for l.tokens < 1 {
		deficit := (1 - l.tokens) / l.cfg.TokensPerSecond
		wait := time.Duration(deficit * float64(time.Second))
		l.mu.Unlock()
		l.sleep(wait)
		l.mu.Lock()
		l.refillLocked(l.now())
	}

	l.tokens--
	l.totalRequests++

	delay := l.jitteredDelayLocked()
	l.mu.Unlock()

	if delay > 0 {
		l.sleep(delay)
	}
	return true
}

// RecordSuccess decays the adaptive delay and unwinds the failure count.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successfulRequests++
	if l.failures > 0 {
		l.failures--
	}
	l.currentDelay = time.Duration(float64(l.currentDelay) * l.cfg.DecayFactor)
	if l.currentDelay < l.cfg.MinDelay {
		l.currentDelay = l.cfg.MinDelay
	}
}

// RecordFailure grows the adaptive delay and trips the circuit once the
// failure threshold is reached.
func (l *Limiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failedRequests++
	l.recordFailureLocked()
}

// RecordRateLimited is RecordFailure for an upstream 429. It is counted
// separately so the stats endpoint can tell throttling from breakage.
func (l *Limiter) RecordRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failedRequests++
	l.rateLimitedRequests++
	l.recordFailureLocked()
}

func (l *Limiter) recordFailureLocked() {
	l.failures++
	l.currentDelay = time.Duration(float64(l.currentDelay) * l.cfg.GrowthFactor)
	if l.currentDelay > l.cfg.MaxDelay {
		l.currentDelay = l.cfg.MaxDelay
	}

	if l.failures >= l.cfg.FailureThreshold && !l.circuitOpen {
		l.circuitOpen = true
		l.openUntil = l.now().Add(l.cfg.ResetTimeout)
		metrics.UpdateCircuitOpen(true)
		l.log.Warn().
			Int("failures", l.failures).
			Time("open_until", l.openUntil).
			Msg("circuit opened")
	}
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TotalRequests:       l.totalRequests,
		SuccessfulRequests:  l.successfulRequests,
		FailedRequests:      l.failedRequests,
		RateLimitedRequests: l.rateLimitedRequests,
		Tokens:              l.tokens,
		CurrentDelay:        l.currentDelay,
		Failures:            l.failures,
		CircuitOpen:         l.circuitOpen,
	}
}

func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.cfg.TokensPerSecond
		if l.tokens > l.cfg.BucketSize {
			l.tokens = l.cfg.BucketSize
		}
	}
	l.lastRefill = now
}

func (l *Limiter) jitteredDelayLocked() time.Duration {
	if l.currentDelay <= 0 {
		return 0
	}
	// Uniform jitter in [1-f, 1+f) keeps concurrent callers from
	// synchronizing their bursts.
	factor := 1 + l.cfg.JitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(l.currentDelay) * factor)
}
