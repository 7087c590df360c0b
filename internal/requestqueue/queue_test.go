package requestqueue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicecrawl/internal/proxy"
	"devicecrawl/internal/ratelimit"
)

func fastLimiter(failureThreshold int) *ratelimit.Limiter {
	cfg := ratelimit.DefaultConfig()
	cfg.TokensPerSecond = 10000
	cfg.BucketSize = 10000
	cfg.MinDelay = 0
	cfg.FailureThreshold = failureThreshold
	return ratelimit.New(cfg)
}

type stubProxyStore struct {
	proxies []proxy.Proxy
}

func (s *stubProxyStore) Load() ([]proxy.Proxy, error) { return s.proxies, nil }
func (s *stubProxyStore) Save([]proxy.Proxy) error     { return nil }

func testProxyManager(t *testing.T, minHealthy int, proxies ...proxy.Proxy) *proxy.Manager {
	t.Helper()

	cfg := proxy.DefaultConfig()
	cfg.MinHealthy = minHealthy
	cfg.MaxFailuresPerProxy = 1
	m := proxy.NewManager(cfg, nil, nil, &stubProxyStore{proxies: proxies})
	require.NoError(t, m.Load())
	return m
}

func TestEnqueueResolvesAllRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	q := New(cfg, fastLimiter(100), nil)
	defer q.Close()

	const total = 20
	var wg sync.WaitGroup
	var resolved atomic.Int64

	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
				return &Response{StatusCode: 200}, nil
			}, nil)
			if err == nil && resp.StatusCode == 200 {
				resolved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(total), resolved.Load())

	stats := q.Stats()
	assert.Equal(t, 0, stats.QueueLength)
	assert.Equal(t, 0, stats.ActiveRequests)
	assert.Equal(t, uint64(total), stats.TotalProcessed)
}

func TestDispatchOrderIsFIFO(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	q := New(cfg, fastLimiter(100), nil)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return &Response{StatusCode: 200}, nil
			}, nil)
		}()
		// Give each goroutine time to land in the queue so enqueue order
		// is deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCircuitOpenRejectsBeforeDispatch(t *testing.T) {
	limiter := fastLimiter(1)
	limiter.RecordFailure()

	q := New(DefaultConfig(), limiter, nil)
	defer q.Close()

	invoked := false
	_, err := q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
		invoked = true
		return &Response{StatusCode: 200}, nil
	}, nil)

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked, "request function must not run while the circuit is open")
}

func TestNoProxyRejectsInsteadOfGoingDirect(t *testing.T) {
	p, err := proxy.Parse("10.0.0.1:8080")
	require.NoError(t, err)

	pm := testProxyManager(t, 0, p)
	// Evict the only proxy so rotation has nothing healthy left.
	pm.RecordFailure(p, proxy.FailureGeneral)

	q := New(DefaultConfig(), fastLimiter(100), pm)
	defer q.Close()

	invoked := false
	_, err = q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
		invoked = true
		return &Response{StatusCode: 200}, nil
	}, nil)

	assert.ErrorIs(t, err, ErrNoProxy)
	assert.False(t, invoked)
}

func TestProxyInjectedIntoOptions(t *testing.T) {
	p, err := proxy.Parse("10.0.0.1:8080")
	require.NoError(t, err)

	pm := testProxyManager(t, 0, p)
	q := New(DefaultConfig(), fastLimiter(100), pm)
	defer q.Close()

	var got *proxy.Proxy
	_, err = q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
		got = opts.Proxy
		return &Response{StatusCode: 200}, nil
	}, nil)

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID(), got.ID())

	stats := pm.GetStats()
	assert.Equal(t, uint64(1), stats.Proxies[p.ID()].Successes)
}

func TestRateLimitErrorFeedsLimiter(t *testing.T) {
	limiter := fastLimiter(100)
	q := New(DefaultConfig(), limiter, nil)
	defer q.Close()

	_, err := q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
		return nil, &StatusError{StatusCode: http.StatusTooManyRequests}
	}, nil)

	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, uint64(1), limiter.Stats().RateLimitedRequests)
}

func TestRetryAfterHintSurvivesDispatch(t *testing.T) {
	q := New(DefaultConfig(), fastLimiter(100), nil)
	defer q.Close()

	_, err := q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
		return nil, &StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 42 * time.Second}
	}, nil)

	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 42*time.Second, se.RetryAfter, "callers schedule their backoff from this hint")
}

func TestGenericFailureDoesNotFeedLimiter(t *testing.T) {
	limiter := fastLimiter(100)
	q := New(DefaultConfig(), limiter, nil)
	defer q.Close()

	wantErr := errors.New("connection reset")
	_, err := q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
		return nil, wantErr
	}, nil)

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, uint64(0), limiter.Stats().FailedRequests)
	assert.Equal(t, uint64(1), q.Stats().TotalFailed)
}

func TestAdaptiveCeilingGrowsOnGoodTraffic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.MaxConcurrentLimit = 10
	cfg.AdjustmentInterval = time.Nanosecond
	cfg.MinSamples = 5
	q := New(cfg, fastLimiter(100), nil)
	defer q.Close()

	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
			return &Response{StatusCode: 200}, nil
		}, nil)
		require.NoError(t, err)
	}

	assert.Greater(t, q.Stats().CurrentLimit, 2)
}

func TestAdaptiveCeilingClampedAtMinimum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.MinConcurrent = 1
	cfg.AdjustmentInterval = time.Nanosecond
	cfg.MinSamples = 2
	q := New(cfg, fastLimiter(10000), nil)
	defer q.Close()

	for i := 0; i < 20; i++ {
		_, _ = q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
			return nil, errors.New("boom")
		}, nil)
	}

	assert.Equal(t, cfg.MinConcurrent, q.Stats().CurrentLimit)
}

func TestCloseFailsQueuedRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	q := New(cfg, fastLimiter(100), nil)

	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
			<-release
			return &Response{StatusCode: 200}, nil
		}, nil)
	}()
	time.Sleep(50 * time.Millisecond)

	wg.Add(1)
	var queuedErr error
	go func() {
		defer wg.Done()
		_, queuedErr = q.Enqueue(context.Background(), func(ctx context.Context, opts *Options) (*Response, error) {
			return &Response{StatusCode: 200}, nil
		}, nil)
	}()
	time.Sleep(50 * time.Millisecond)

	// Close drains the still-queued second request before the in-flight
	// first request is released.
	closeDone := make(chan struct{})
	go func() {
		q.Close()
		close(closeDone)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	<-closeDone
	wg.Wait()

	assert.ErrorIs(t, queuedErr, ErrClosed)
}
