package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type HealthStatus string

const (
	StatusUnknown     HealthStatus = "unknown"
	StatusHealthy     HealthStatus = "healthy"
	StatusDegraded    HealthStatus = "degraded"
	StatusUnavailable HealthStatus = "unavailable"
)

func (s HealthStatus) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnavailable:
		return 2
	default:
		return 3
	}
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) (HealthReport, error)
}

type ServiceHealth struct {
	ComponentID   string       `json:"componentId"`
	Status        HealthStatus `json:"status"`
	LastCheckedAt time.Time    `json:"lastCheckedAt"`
	Latency       string       `json:"latency,omitempty"`
	Detail        string       `json:"detail,omitempty"`
}

// Health is the aggregate view: the worst component status wins.
type Health struct {
	Status        HealthStatus    `json:"status"`
	LastCheckedAt *time.Time      `json:"lastCheckedAt"`
	Stale         bool            `json:"stale,omitempty"`
	Components    []ServiceHealth `json:"components"`
}

type MonitorOptions struct {
	TTL             time.Duration
	ProbeTimeout    time.Duration
	DegradedLatency time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

// Monitor caches the classification of a set of components. Readers get the
// last known value without waiting; a stale value schedules one background
// probe.
type Monitor struct {
	checkers        map[string]HealthChecker
	ids             []string
	ttl             time.Duration
	probeTimeout    time.Duration
	degradedLatency time.Duration
	logger          *zap.Logger
	now             func() time.Time

	last       atomic.Pointer[Health]
	refreshing atomic.Bool
	baseCtx    context.Context
	cancel     context.CancelFunc

	// mu orders wg.Add against Close's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewMonitor(checkers map[string]HealthChecker, opts MonitorOptions) *Monitor {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	degradedLatency := opts.DegradedLatency
	if degradedLatency <= 0 {
		degradedLatency = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ids := make([]string, 0, len(checkers))
	for id := range checkers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		checkers:        checkers,
		ids:             ids,
		ttl:             ttl,
		probeTimeout:    probeTimeout,
		degradedLatency: degradedLatency,
		logger:          logger,
		now:             now,
		baseCtx:         ctx,
		cancel:          cancel,
	}
}

// Health returns the last known classification immediately.
func (m *Monitor) Health() Health {
	last := m.last.Load()
	if last == nil {
		m.refreshInBackground()
		return Health{Status: StatusUnknown, Stale: true, Components: []ServiceHealth{}}
	}
	out := *last
	out.Components = append([]ServiceHealth(nil), last.Components...)
	if m.now().Sub(*last.LastCheckedAt) > m.ttl {
		out.Stale = true
		m.refreshInBackground()
	}
	return out
}

// Fresh reports the cached status only when it is within the TTL.
func (m *Monitor) Fresh() (HealthStatus, bool) {
	last := m.last.Load()
	if last == nil || m.now().Sub(*last.LastCheckedAt) > m.ttl {
		return StatusUnknown, false
	}
	return last.Status, true
}

func (m *Monitor) refreshInBackground() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.refreshing.Store(false)
		m.Probe(m.baseCtx)
	}()
}

// Probe checks every component concurrently, stores and returns the result.
func (m *Monitor) Probe(ctx context.Context) Health {
	components := make([]ServiceHealth, len(m.ids))
	var g errgroup.Group
	for i, id := range m.ids {
		g.Go(func() error {
			components[i] = m.check(ctx, id, m.checkers[id])
			return nil
		})
	}
	_ = g.Wait()

	checkedAt := m.now()
	health := Health{Status: StatusHealthy, LastCheckedAt: &checkedAt, Components: components}
	if len(components) == 0 {
		health.Status = StatusUnknown
	}
	for _, c := range components {
		if c.Status.severity() > health.Status.severity() {
			health.Status = c.Status
		}
	}
	if prev := m.last.Swap(&health); prev == nil || prev.Status != health.Status {
		m.logger.Info("collaborator health changed", zap.String("status", string(health.Status)))
	}
	return health
}

func (m *Monitor) check(ctx context.Context, id string, checker HealthChecker) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	started := time.Now()
	report, err := checker.HealthCheck(ctx)
	elapsed := time.Since(started)
	result := ServiceHealth{ComponentID: id, LastCheckedAt: m.now(), Latency: elapsed.Round(time.Millisecond).String()}
	switch {
	case err != nil:
		result.Status = StatusUnavailable
		result.Detail = err.Error()
		m.logger.Debug("health probe failed", zap.String("component", id), zap.Error(err))
	case !reportsHealthy(report.Status):
		result.Status = StatusDegraded
		result.Detail = "reported " + report.Status
	case elapsed > m.degradedLatency:
		result.Status = StatusDegraded
		result.Detail = "slow response"
	default:
		result.Status = StatusHealthy
	}
	return result
}

func reportsHealthy(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "healthy", "ok", "operational", "up":
		return true
	}
	return false
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.ttl
	}
	m.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Close stops background refreshes and waits for any in flight.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
