// Package scrape implements the catalog crawl jobs. Handlers parse their
// payloads, fetch pages through the admission-controlled request queue,
// and hand extraction and persistence to narrow interfaces.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"devicecrawl/internal/logger"
	"devicecrawl/internal/proxy"
	"devicecrawl/internal/requestqueue"
)

const maxBodyBytes = 8 << 20

// Fetcher retrieves one page. Implementations route through the request
// queue so rate limiting, proxy rotation and the circuit breaker apply.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*requestqueue.Response, error)
}

type FetcherConfig struct {
	UserAgent      string
	RequestTimeout time.Duration
}

func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		UserAgent:      "devicecrawl/1.0",
		RequestTimeout: 30 * time.Second,
	}
}

// HTTPFetcher is the production Fetcher. Every call goes through the
// request queue; the queue injects the egress proxy into Options.
// Transports are cached per egress so connections get reused.
type HTTPFetcher struct {
	cfg   FetcherConfig
	queue *requestqueue.Queue
	log   zerolog.Logger

	mu      sync.Mutex
	direct  *http.Transport
	proxied map[string]*http.Transport
}

func NewHTTPFetcher(cfg FetcherConfig, queue *requestqueue.Queue) *HTTPFetcher {
	return &HTTPFetcher{
		cfg:     cfg,
		queue:   queue,
		log:     logger.WithComponent("Fetcher"),
		direct:  &http.Transport{},
		proxied: make(map[string]*http.Transport),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*requestqueue.Response, error) {
	return f.queue.Enqueue(ctx, func(ctx context.Context, opts *requestqueue.Options) (*requestqueue.Response, error) {
		return f.do(ctx, url, opts)
	}, &requestqueue.Options{Timeout: f.cfg.RequestTimeout})
}

func (f *HTTPFetcher) do(ctx context.Context, url string, opts *requestqueue.Options) (*requestqueue.Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	if opts.Proxy != nil {
		f.log.Debug().Str("proxy", opts.Proxy.ID()).Str("url", url).Msg("fetching via proxy")
	}
	client := &http.Client{Transport: f.transportFor(opts.Proxy)}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &requestqueue.StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return &requestqueue.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (f *HTTPFetcher) transportFor(p *proxy.Proxy) *http.Transport {
	if p == nil {
		return f.direct
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := p.ID()
	if t, ok := f.proxied[id]; ok {
		return t
	}
	t := &http.Transport{Proxy: http.ProxyURL(p.URL())}
	f.proxied[id] = t
	return t
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
