package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"devicecrawl/internal/logger"
	"devicecrawl/internal/metrics"
)

const responseTimeAlpha = 0.1

type Config struct {
	Enabled             bool
	FilePath            string
	SourceURL           string
	ProbeTarget         string
	ProbeTimeout        time.Duration
	MaxFailuresPerProxy int
	MinHealthy          int
	HealthCheckInterval time.Duration
	RefreshInterval     time.Duration
	ProbeConcurrency    int
	// Pool-wide failure window: after FailureWindowThreshold failures
	// within FailureWindow, proxy usage is suspended for CooldownPeriod.
	FailureWindow          time.Duration
	FailureWindowThreshold int
	CooldownPeriod         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		FilePath:               "data/proxies.txt",
		ProbeTarget:            "http://www.gstatic.com/generate_204",
		ProbeTimeout:           10 * time.Second,
		MaxFailuresPerProxy:    5,
		MinHealthy:             3,
		HealthCheckInterval:    2 * time.Minute,
		RefreshInterval:        30 * time.Minute,
		ProbeConcurrency:       10,
		FailureWindow:          time.Minute,
		FailureWindowThreshold: 15,
		CooldownPeriod:         5 * time.Minute,
	}
}

// FailureKind tags what went wrong with a proxied request.
type FailureKind int

const (
	FailureGeneral FailureKind = iota
	FailureRateLimit
)

// Stats tracks the health of a single proxy. One instance per pool entry,
// keyed by Proxy.ID.
type Stats struct {
	Requests            uint64        `json:"requests"`
	Successes           uint64        `json:"successes"`
	Failures            uint64        `json:"failures"`
	RateLimited         uint64        `json:"rate_limited"`
	IsHealthy           bool          `json:"is_healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastUsed            time.Time     `json:"last_used"`
	LastSuccess         time.Time     `json:"last_success"`
	LastFailure         time.Time     `json:"last_failure"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
}

// Prober checks that a proxy can still carry traffic.
type Prober interface {
	Probe(ctx context.Context, p Proxy) (time.Duration, error)
}

// SourceFetcher returns candidate proxy lines from an external source.
type SourceFetcher interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Store persists the proxy list between runs.
type Store interface {
	Load() ([]Proxy, error)
	Save(proxies []Proxy) error
}

// PoolStats is the aggregate view exposed on the status endpoint.
type PoolStats struct {
	Enabled      bool              `json:"enabled"`
	Total        int               `json:"total"`
	Healthy      int               `json:"healthy"`
	Failed       int               `json:"failed"`
	CooldownOpen bool              `json:"cooldown_open"`
	Proxies      map[string]*Stats `json:"proxies"`
}

// Manager owns the proxy pool. External code only ever receives proxy
// descriptors by value and reports outcomes back through Record* calls.
type Manager struct {
	cfg    Config
	prober Prober
	source SourceFetcher
	store  Store
	log    zerolog.Logger

	mu      sync.Mutex
	proxies []Proxy
	stats   map[string]*Stats
	failed  map[string]struct{}
	cursor  int

	windowFailures []time.Time
	cooldownUntil  time.Time

	refreshing  bool
	refreshDone chan struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

func NewManager(cfg Config, prober Prober, source SourceFetcher, store Store) *Manager {
	return &Manager{
		cfg:      cfg,
		prober:   prober,
		source:   source,
		store:    store,
		log:      logger.WithComponent("ProxyPool"),
		stats:    make(map[string]*Stats),
		failed:   make(map[string]struct{}),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Load populates the pool from persistent storage.
func (m *Manager) Load() error {
	proxies, err := m.store.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, p := range proxies {
		m.addLocked(p)
	}
	healthy := m.healthyCountLocked()
	m.mu.Unlock()

	metrics.UpdateHealthyProxies(healthy)
	m.log.Info().Int("count", len(proxies)).Msg("loaded proxies from storage")
	return nil
}

// Start runs the health-check and refresh tickers until Stop is called.
func (m *Manager) Start(ctx context.Context) {
	healthTicker := time.NewTicker(m.cfg.HealthCheckInterval)
	refreshTicker := time.NewTicker(m.cfg.RefreshInterval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer healthTicker.Stop()
		defer refreshTicker.Stop()

		for {
			select {
			case <-healthTicker.C:
				m.PerformHealthCheck(ctx)
			case <-refreshTicker.C:
				if err := m.RefreshPool(ctx); err != nil {
					m.log.Error().Err(err).Msg("pool refresh failed")
				}
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

// Next returns the next healthy proxy in round-robin order. The second
// return value is false when no healthy proxy exists; callers must treat
// that as a hard failure rather than retrying in a tight loop.
func (m *Manager) Next() (Proxy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.proxies)
	for i := 0; i < n; i++ {
		p := m.proxies[(m.cursor+i)%n]
		id := p.ID()
		if _, bad := m.failed[id]; bad {
			continue
		}
		st := m.stats[id]
		if st == nil || !st.IsHealthy {
			continue
		}
		m.cursor = (m.cursor + i + 1) % n
		st.LastUsed = m.now()
		st.Requests++
		return p, true
	}
	return Proxy{}, false
}

// RecordSuccess resets the failure streak and folds the response time into
// the moving average.
func (m *Manager) RecordSuccess(p Proxy, responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stats[p.ID()]
	if !ok {
		return
	}
	st.Successes++
	st.ConsecutiveFailures = 0
	st.IsHealthy = true
	st.LastSuccess = m.now()
	if st.AvgResponseTime == 0 {
		st.AvgResponseTime = responseTime
	} else {
		st.AvgResponseTime = time.Duration(
			(1-responseTimeAlpha)*float64(st.AvgResponseTime) + responseTimeAlpha*float64(responseTime))
	}
	delete(m.failed, p.ID())
	metrics.UpdateHealthyProxies(m.healthyCountLocked())
}

// RecordFailure increments the failure streak and removes the proxy from
// rotation once it exceeds the per-proxy limit. Failures also feed the
// pool-wide sliding window that can suspend proxy usage entirely.
func (m *Manager) RecordFailure(p Proxy, kind FailureKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.trackFailureWindowLocked(now)

	st, ok := m.stats[p.ID()]
	if !ok {
		return
	}
	st.Failures++
	if kind == FailureRateLimit {
		st.RateLimited++
	}
	st.ConsecutiveFailures++
	st.LastFailure = now

	if st.ConsecutiveFailures >= m.cfg.MaxFailuresPerProxy {
		st.IsHealthy = false
		m.failed[p.ID()] = struct{}{}
		m.log.Warn().
			Str("proxy", p.ID()).
			Int("consecutive_failures", st.ConsecutiveFailures).
			Msg("proxy removed from rotation")
	}
	metrics.UpdateHealthyProxies(m.healthyCountLocked())
}

// CanUseProxy reports whether requests should be routed through a proxy
// at all right now.
func (m *Manager) CanUseProxy() bool {
	if !m.cfg.Enabled {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.proxies) == 0 {
		return false
	}
	if m.now().Before(m.cooldownUntil) {
		return false
	}
	return m.healthyCountLocked() >= m.cfg.MinHealthy
}

func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// PerformHealthCheck probes every proxy currently out of rotation and
// restores the ones that answer. This is the only path back into rotation
// short of a full pool refresh.
func (m *Manager) PerformHealthCheck(ctx context.Context) {
	m.mu.Lock()
	candidates := make([]Proxy, 0, len(m.failed))
	for _, p := range m.proxies {
		if _, bad := m.failed[p.ID()]; bad {
			candidates = append(candidates, p)
		}
	}
	m.mu.Unlock()

	if len(candidates) == 0 {
		return
	}

	results := m.probeAll(ctx, candidates)

	m.mu.Lock()
	restored := 0
	for id, rt := range results {
		st, ok := m.stats[id]
		if !ok {
			continue
		}
		st.IsHealthy = true
		st.ConsecutiveFailures = 0
		st.LastSuccess = m.now()
		if rt > 0 {
			st.AvgResponseTime = rt
		}
		delete(m.failed, id)
		restored++
	}
	healthy := m.healthyCountLocked()
	m.mu.Unlock()

	metrics.UpdateHealthyProxies(healthy)
	if restored > 0 {
		m.log.Info().Int("restored", restored).Int("checked", len(candidates)).Msg("health check restored proxies")
	}
}

// RefreshPool revalidates the pool and tops it up from the external source
// when the healthy count drops below the minimum. Concurrent calls
// collapse into the one in-flight refresh.
func (m *Manager) RefreshPool(ctx context.Context) error {
	m.mu.Lock()
	if m.refreshing {
		done := m.refreshDone
		m.mu.Unlock()
		<-done
		return nil
	}
	m.refreshing = true
	m.refreshDone = make(chan struct{})
	current := make([]Proxy, len(m.proxies))
	copy(current, m.proxies)
	priorHealthy := make([]Proxy, 0, len(current))
	for _, p := range current {
		if st := m.stats[p.ID()]; st != nil && st.IsHealthy {
			priorHealthy = append(priorHealthy, p)
		}
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = false
		close(m.refreshDone)
		m.mu.Unlock()
	}()

	m.log.Info().Int("pool_size", len(current)).Msg("refreshing proxy pool")

	alive := m.probeAll(ctx, current)
	survivors := make([]Proxy, 0, len(current))
	for _, p := range current {
		if _, ok := alive[p.ID()]; ok {
			survivors = append(survivors, p)
		}
	}

	if len(survivors) < m.cfg.MinHealthy {
		fetched, err := m.fetchFromSource(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("proxy source unreachable")
			if len(survivors) == 0 {
				// Keep whatever used to work instead of emptying the
				// pool while the source is down.
				survivors = priorHealthy
			}
		} else {
			known := make(map[string]struct{}, len(survivors))
			for _, p := range survivors {
				known[p.ID()] = struct{}{}
			}
			added := 0
			for _, p := range fetched {
				if _, dup := known[p.ID()]; dup {
					continue
				}
				known[p.ID()] = struct{}{}
				survivors = append(survivors, p)
				added++
			}
			m.log.Info().Int("fetched", len(fetched)).Int("added", added).Msg("replenished pool from source")
		}
	}

	m.mu.Lock()
	m.proxies = survivors
	m.failed = make(map[string]struct{})
	m.cursor = 0
	oldStats := m.stats
	m.stats = make(map[string]*Stats, len(survivors))
	for _, p := range survivors {
		id := p.ID()
		if st, ok := oldStats[id]; ok {
			st.IsHealthy = true
			st.ConsecutiveFailures = 0
			m.stats[id] = st
		} else {
			m.stats[id] = &Stats{IsHealthy: true}
		}
	}
	healthy := m.healthyCountLocked()
	snapshot := make([]Proxy, len(m.proxies))
	copy(snapshot, m.proxies)
	m.mu.Unlock()

	metrics.UpdateHealthyProxies(healthy)

	if err := m.store.Save(snapshot); err != nil {
		m.log.Error().Err(err).Msg("failed to persist proxy list")
		return err
	}
	m.log.Info().Int("pool_size", len(snapshot)).Msg("proxy pool refreshed")
	return nil
}

// GetStats returns an aggregate snapshot with per-proxy copies.
func (m *Manager) GetStats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := PoolStats{
		Enabled:      m.cfg.Enabled,
		Total:        len(m.proxies),
		Healthy:      m.healthyCountLocked(),
		Failed:       len(m.failed),
		CooldownOpen: m.now().Before(m.cooldownUntil),
		Proxies:      make(map[string]*Stats, len(m.stats)),
	}
	for id, st := range m.stats {
		c := *st
		out.Proxies[id] = &c
	}
	return out
}

func (m *Manager) addLocked(p Proxy) {
	id := p.ID()
	if _, exists := m.stats[id]; exists {
		return
	}
	m.proxies = append(m.proxies, p)
	m.stats[id] = &Stats{IsHealthy: true}
}

func (m *Manager) healthyCountLocked() int {
	n := 0
	for _, p := range m.proxies {
		if st := m.stats[p.ID()]; st != nil && st.IsHealthy {
			n++
		}
	}
	return n
}

func (m *Manager) trackFailureWindowLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.FailureWindow)
	kept := m.windowFailures[:0]
	for _, t := range m.windowFailures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.windowFailures = append(kept, now)

	if len(m.windowFailures) >= m.cfg.FailureWindowThreshold && !now.Before(m.cooldownUntil) {
		m.cooldownUntil = now.Add(m.cfg.CooldownPeriod)
		m.windowFailures = m.windowFailures[:0]
		m.log.Warn().
			Time("until", m.cooldownUntil).
			Msg("pool-wide failure burst, suspending proxy usage")
	}
}

// probeAll checks proxies with bounded concurrency and returns the
// response time per responsive proxy id.
func (m *Manager) probeAll(ctx context.Context, proxies []Proxy) map[string]time.Duration {
	if len(proxies) == 0 {
		return map[string]time.Duration{}
	}

	type result struct {
		id string
		rt time.Duration
		ok bool
	}

	var wg sync.WaitGroup
	resultsChan := make(chan result, len(proxies))
	semaphore := make(chan struct{}, m.cfg.ProbeConcurrency)

	for _, p := range proxies {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(p Proxy) {
			defer wg.Done()
			defer func() { <-semaphore }()

			rt, err := m.prober.Probe(ctx, p)
			resultsChan <- result{id: p.ID(), rt: rt, ok: err == nil}
		}(p)
	}

	wg.Wait()
	close(resultsChan)

	alive := make(map[string]time.Duration)
	for r := range resultsChan {
		if r.ok {
			alive[r.id] = r.rt
		}
	}
	return alive
}

func (m *Manager) fetchFromSource(ctx context.Context) ([]Proxy, error) {
	if m.source == nil {
		return nil, errors.New("no proxy source configured")
	}
	lines, err := m.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return ParseList(lines), nil
}
