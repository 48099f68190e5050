package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/rs/zerolog"
)

type probe struct {
	checker Checker
	status  *Status
}

// Monitor runs its checkers on an interval and publishes the outcome as
// health components
type Monitor struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	probes map[string]*probe

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewMonitor creates a new monitor
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	return &Monitor{
		cfg:    cfg,
		logger: log.WithComponent("health"),
		probes: make(map[string]*probe),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Add registers a checker under a component name
func (m *Monitor) Add(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = &probe{checker: c, status: NewStatus()}
	metrics.RegisterComponent(name, true, "registered")
}

// Status returns a copy of the status of a component
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.probes[name]
	if !ok {
		return Status{}, false
	}
	return *p.status, true
}

// Start checks every component once, then keeps checking on the interval
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.CheckAll(context.Background())
	go m.run()
}

// Stop stops the monitor loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.started.Load() {
		<-m.doneCh
	}
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckAll(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// CheckAll runs every checker once and updates the component statuses
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		m.check(ctx, name)
	}
}

func (m *Monitor) check(ctx context.Context, name string) {
	m.mu.Lock()
	p := m.probes[name]
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	result := p.checker.Check(cctx)
	cancel()

	m.mu.Lock()
	wasHealthy := p.status.Healthy
	p.status.Update(result, m.cfg)
	healthy := p.status.Healthy
	m.mu.Unlock()

	metrics.UpdateComponent(name, healthy, result.Message)

	switch {
	case wasHealthy && !healthy:
		m.logger.Error().Str("check", name).Str("message", result.Message).Msg("Component became unhealthy")
	case !wasHealthy && healthy:
		m.logger.Info().Str("check", name).Msg("Component recovered")
	case !result.Healthy:
		m.logger.Warn().Str("check", name).Str("message", result.Message).Msg("Health check failed")
	}
}
