// Package requestqueue dispatches outbound HTTP calls in FIFO order under
// an adaptive concurrency ceiling. Every call passes rate-limiter admission
// and, when proxying is active, gets an egress proxy injected before the
// request function runs.
package requestqueue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"devicecrawl/internal/logger"
	"devicecrawl/internal/metrics"
	"devicecrawl/internal/proxy"
	"devicecrawl/internal/ratelimit"
)

var (
	// ErrCircuitOpen is returned without attempting the request while the
	// rate limiter's circuit breaker is open.
	ErrCircuitOpen = errors.New("rate limiter circuit is open")

	// ErrNoProxy is returned when proxying is active but no healthy proxy
	// is available. Going direct instead would defeat rotation.
	ErrNoProxy = errors.New("no healthy proxy available")

	// ErrClosed is returned for requests still queued when the queue
	// shuts down.
	ErrClosed = errors.New("request queue closed")
)

type Config struct {
	MaxConcurrent      int
	MinConcurrent      int
	MaxConcurrentLimit int
	AdjustmentInterval time.Duration
	SampleWindow       int
	MinSamples         int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      5,
		MinConcurrent:      1,
		MaxConcurrentLimit: 20,
		AdjustmentInterval: 30 * time.Second,
		SampleWindow:       50,
		MinSamples:         10,
	}
}

// Response is what a request function produces on success.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Options carries per-call settings. The queue injects the selected proxy
// before invoking the request function.
type Options struct {
	Proxy   *proxy.Proxy
	Timeout time.Duration
}

// RequestFunc is a single outbound HTTP call. Timeouts are its own
// responsibility; the queue never cancels a running request.
type RequestFunc func(ctx context.Context, opts *Options) (*Response, error)

// StatusError carries an upstream HTTP status so the queue and callers can
// tell rate limiting (429) apart from other failures.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// IsRateLimited reports whether err represents an upstream 429.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}

type outcome struct {
	resp *Response
	err  error
}

type item struct {
	ctx        context.Context
	fn         RequestFunc
	opts       *Options
	done       chan outcome
	enqueuedAt time.Time
}

type sample struct {
	ok      bool
	latency time.Duration
}

// Stats is a point-in-time snapshot of queue state and the rolling
// performance window.
type Stats struct {
	QueueLength    int           `json:"queue_length"`
	ActiveRequests int           `json:"active_requests"`
	CurrentLimit   int           `json:"current_limit"`
	TotalProcessed uint64        `json:"total_processed"`
	TotalFailed    uint64        `json:"total_failed"`
	SuccessRate    float64       `json:"success_rate"`
	AvgLatency     time.Duration `json:"avg_latency"`
}

// Queue is the single-consumer dispatcher. Enqueue signals the consumer
// loop through a buffered channel, and every dispatch completion signals
// it again, so the loop never depends on being re-entered from a
// completion callback.
type Queue struct {
	cfg     Config
	limiter *ratelimit.Limiter
	proxies *proxy.Manager
	log     zerolog.Logger

	mu             sync.Mutex
	pending        []*item
	active         int
	limit          int
	samples        []sample
	lastAdjustment time.Time
	totalProcessed uint64
	totalFailed    uint64
	closed         bool

	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New creates a queue and starts its consumer loop. The proxy manager may
// be nil when proxying is not configured.
func New(cfg Config, limiter *ratelimit.Limiter, proxies *proxy.Manager) *Queue {
	q := &Queue{
		cfg:      cfg,
		limiter:  limiter,
		proxies:  proxies,
		log:      logger.WithComponent("RequestQueue"),
		limit:    cfg.MaxConcurrent,
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
	q.wg.Add(1)
	go q.consume()
	return q
}

// Enqueue submits a request and blocks until it settles or ctx is done.
// The queue does not retry; the error comes back verbatim so callers can
// build their own retry policy on top.
func (q *Queue) Enqueue(ctx context.Context, fn RequestFunc, opts *Options) (*Response, error) {
	if opts == nil {
		opts = &Options{}
	}
	it := &item{
		ctx:        ctx,
		fn:         fn,
		opts:       opts,
		done:       make(chan outcome, 1),
		enqueuedAt: q.now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.pending = append(q.pending, it)
	q.mu.Unlock()
	q.signal()

	select {
	case out := <-it.done:
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the consumer loop, fails all queued requests with ErrClosed,
// and waits for in-flight dispatches to settle.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stopChan) })

	q.mu.Lock()
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, it := range pending {
		it.done <- outcome{err: ErrClosed}
	}
	q.wg.Wait()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	rate, latency := q.windowLocked()
	return Stats{
		QueueLength:    len(q.pending),
		ActiveRequests: q.active,
		CurrentLimit:   q.limit,
		TotalProcessed: q.totalProcessed,
		TotalFailed:    q.totalFailed,
		SuccessRate:    rate,
		AvgLatency:     latency,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) consume() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopChan:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if q.closed || q.active >= q.limit || len(q.pending) == 0 {
				depth, active, limit := len(q.pending), q.active, q.limit
				q.mu.Unlock()
				metrics.UpdateRequestQueue(depth, active, limit)
				break
			}
			it := q.pending[0]
			q.pending = q.pending[1:]
			q.active++
			q.mu.Unlock()

			q.wg.Add(1)
			go q.dispatch(it)
		}
	}
}

func (q *Queue) dispatch(it *item) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.active--
		q.mu.Unlock()
		q.signal()
	}()

	if err := it.ctx.Err(); err != nil {
		it.done <- outcome{err: err}
		return
	}

	if !q.limiter.Acquire() {
		metrics.RecordRequest("circuit_open", 0)
		it.done <- outcome{err: ErrCircuitOpen}
		return
	}

	if q.proxies != nil && q.proxies.CanUseProxy() {
		p, ok := q.proxies.Next()
		if !ok {
			metrics.RecordRequest("no_proxy", 0)
			it.done <- outcome{err: ErrNoProxy}
			return
		}
		it.opts.Proxy = &p
	}

	start := q.now()
	resp, err := it.fn(it.ctx, it.opts)
	elapsed := q.now().Sub(start)

	if err != nil {
		q.recordFailure(it.opts.Proxy, err, elapsed)
	} else {
		q.recordSuccess(it.opts.Proxy, elapsed)
	}

	q.maybeAdjust()
	it.done <- outcome{resp: resp, err: err}
}

func (q *Queue) recordSuccess(p *proxy.Proxy, elapsed time.Duration) {
	q.limiter.RecordSuccess()
	if p != nil {
		q.proxies.RecordSuccess(*p, elapsed)
	}
	metrics.RecordRequest("success", elapsed)

	q.mu.Lock()
	q.totalProcessed++
	q.pushSampleLocked(sample{ok: true, latency: elapsed})
	q.mu.Unlock()
}

func (q *Queue) recordFailure(p *proxy.Proxy, err error, elapsed time.Duration) {
	rateLimited := IsRateLimited(err)
	if rateLimited {
		q.limiter.RecordRateLimited()
		metrics.RecordRequest("rate_limited", elapsed)
	} else {
		metrics.RecordRequest("error", elapsed)
	}
	if p != nil {
		kind := proxy.FailureGeneral
		if rateLimited {
			kind = proxy.FailureRateLimit
		}
		q.proxies.RecordFailure(*p, kind)
	}

	q.mu.Lock()
	q.totalProcessed++
	q.totalFailed++
	q.pushSampleLocked(sample{ok: false, latency: elapsed})
	q.mu.Unlock()
}

func (q *Queue) pushSampleLocked(s sample) {
	q.samples = append(q.samples, s)
	if len(q.samples) > q.cfg.SampleWindow {
		q.samples = q.samples[len(q.samples)-q.cfg.SampleWindow:]
	}
}

func (q *Queue) windowLocked() (successRate float64, avgLatency time.Duration) {
	if len(q.samples) == 0 {
		return 1, 0
	}
	okCount := 0
	var total time.Duration
	for _, s := range q.samples {
		if s.ok {
			okCount++
		}
		total += s.latency
	}
	return float64(okCount) / float64(len(q.samples)), total / time.Duration(len(q.samples))
}

// maybeAdjust resizes the concurrency ceiling from the rolling window, at
// most once per adjustment interval and only with enough samples. This is
// hysteresis, not a PID loop: overshoot is fine, the clamp bounds it.
func (q *Queue) maybeAdjust() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if now.Sub(q.lastAdjustment) < q.cfg.AdjustmentInterval {
		return
	}
	if len(q.samples) < q.cfg.MinSamples {
		return
	}
	q.lastAdjustment = now

	rate, latency := q.windowLocked()
	old := q.limit

	switch {
	case rate > 0.95 && latency < 3*time.Second:
		q.limit += 2
	case rate < 0.70 || latency > 10*time.Second:
		q.limit -= 2
	case rate > 0.85 && latency < 5*time.Second:
		q.limit++
	default:
		q.limit--
	}

	if q.limit < q.cfg.MinConcurrent {
		q.limit = q.cfg.MinConcurrent
	}
	if q.limit > q.cfg.MaxConcurrentLimit {
		q.limit = q.cfg.MaxConcurrentLimit
	}

	if q.limit != old {
		q.log.Info().
			Int("old_limit", old).
			Int("new_limit", q.limit).
			Float64("success_rate", rate).
			Dur("avg_latency", latency).
			Msg("adjusted concurrency ceiling")
	}
}
