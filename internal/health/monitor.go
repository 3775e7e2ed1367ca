// Package health tracks per-server reachability with asymmetric hysteresis:
// servers degrade slowly, after a run of consecutive probe failures, and
// recover instantly on a single success. This keeps transient blips from
// flapping the pool's selection set while bringing servers back promptly.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/events"
	"github.com/wavework/foreman/internal/metrics"
)

// ErrDuplicateServer indicates a server ID is already monitored.
var ErrDuplicateServer = errors.New("server already monitored")

// ErrUnknownServer indicates a server ID is not monitored.
var ErrUnknownServer = errors.New("unknown server")

// Status is a server's health state.
type Status string

const (
	// StatusOnline means the server is considered reachable.
	StatusOnline Status = "ONLINE"
	// StatusDegraded means the server has accumulated enough consecutive
	// failures to be suspect but is still counted healthy for selection.
	StatusDegraded Status = "DEGRADED"
	// StatusOffline means the server is excluded from selection.
	StatusOffline Status = "OFFLINE"
)

// Record is one server's health state. Status is derived only from
// consecutive probe outcomes, never set directly.
type Record struct {
	// ServerID identifies the monitored server.
	ServerID string `json:"server_id"`
	// Status is the current health state.
	Status Status `json:"status"`
	// FailedChecks counts consecutive probe failures since the last success.
	FailedChecks int `json:"failed_checks"`
	// LastCheck is when the server was last probed.
	LastCheck time.Time `json:"last_check"`
}

// Prober performs one reachability probe against a server.
type Prober interface {
	Ping(ctx context.Context) error
}

type serverEntry struct {
	prober Prober
	record Record
}

// Monitor probes a set of servers and maintains their health records.
type Monitor struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry
	// order preserves registration order for deterministic query output.
	order []string

	degradedThreshold int
	offlineThreshold  int
	checkInterval     time.Duration
	probeTimeout      time.Duration

	logger    *zap.Logger
	bus       events.Bus
	collector *metrics.Collector

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventBus sets the observability event bus.
func WithEventBus(bus events.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithMetrics sets the collector the probe counter is reported to.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Monitor) { m.collector = c }
}

// WithThresholds sets the consecutive-failure counts at which a server
// becomes degraded and offline. Values below one are ignored.
func WithThresholds(degraded, offline int) Option {
	return func(m *Monitor) {
		if degraded >= 1 {
			m.degradedThreshold = degraded
		}
		if offline >= 1 {
			m.offlineThreshold = offline
		}
	}
}

// WithCheckInterval sets the period between automatic CheckAll sweeps.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// WithProbeTimeout sets the per-probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// NewMonitor creates a monitor with no servers registered.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		servers:           make(map[string]*serverEntry),
		degradedThreshold: 2,
		offlineThreshold:  5,
		checkInterval:     30 * time.Second,
		probeTimeout:      5 * time.Second,
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.offlineThreshold < m.degradedThreshold {
		m.offlineThreshold = m.degradedThreshold
	}
	return m
}

// AddServer registers a server for monitoring, initially ONLINE pending
// its first check.
func (m *Monitor) AddServer(id string, prober Prober) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[id]; exists {
		return fmt.Errorf("server %s: %w", id, ErrDuplicateServer)
	}
	m.servers[id] = &serverEntry{
		prober: prober,
		record: Record{ServerID: id, Status: StatusOnline},
	}
	m.order = append(m.order, id)
	m.logger.Info("server registered for monitoring", zap.String("server_id", id))
	return nil
}

// RemoveServer drops a server and its health record.
func (m *Monitor) RemoveServer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[id]; !exists {
		return fmt.Errorf("server %s: %w", id, ErrUnknownServer)
	}
	delete(m.servers, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// CheckServer probes one server and updates its record.
func (m *Monitor) CheckServer(ctx context.Context, id string) error {
	m.mu.RLock()
	entry, exists := m.servers[id]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("server %s: %w", id, ErrUnknownServer)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := entry.prober.Ping(probeCtx)
	cancel()

	m.recordOutcome(id, err)
	return nil
}

// CheckAll probes every monitored server once.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := m.CheckServer(ctx, id); err != nil && !errors.Is(err, ErrUnknownServer) {
			m.logger.Warn("health check failed", zap.String("server_id", id), zap.Error(err))
		}
	}
}

// recordOutcome applies one probe result to the server's state machine.
func (m *Monitor) recordOutcome(id string, probeErr error) {
	m.mu.Lock()
	entry, exists := m.servers[id]
	if !exists {
		// Removed between probe and record.
		m.mu.Unlock()
		return
	}

	if m.collector != nil {
		outcome := "success"
		if probeErr != nil {
			outcome = "failure"
		}
		m.collector.IncHealthChecks(id, outcome)
	}

	rec := &entry.record
	rec.LastCheck = time.Now()
	prev := rec.Status

	if probeErr == nil {
		rec.FailedChecks = 0
		rec.Status = StatusOnline
	} else {
		rec.FailedChecks++
		switch {
		case rec.FailedChecks >= m.offlineThreshold:
			rec.Status = StatusOffline
		case rec.FailedChecks >= m.degradedThreshold:
			rec.Status = StatusDegraded
		}
	}
	next := rec.Status
	failed := rec.FailedChecks
	m.mu.Unlock()

	if next == prev {
		return
	}

	switch next {
	case StatusDegraded:
		m.logger.Warn("server degraded",
			zap.String("server_id", id), zap.Int("failed_checks", failed))
		m.publish(events.TypeServerDegraded, id, prev, next, failed)
	case StatusOffline:
		m.logger.Error("server offline",
			zap.String("server_id", id), zap.Int("failed_checks", failed))
		m.publish(events.TypeServerOffline, id, prev, next, failed)
	case StatusOnline:
		m.logger.Info("server recovered", zap.String("server_id", id))
		m.publish(events.TypeServerRecovered, id, prev, next, failed)
	}
	m.publish(events.TypeStatusChange, id, prev, next, failed)
}

// Start begins the periodic CheckAll sweep. Idempotent while running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
	m.logger.Info("health monitor started", zap.Duration("check_interval", m.checkInterval))
}

// Stop halts the periodic sweep and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

// GetServerStatus returns a copy of one server's health record.
func (m *Monitor) GetServerStatus(id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.servers[id]
	if !exists {
		return Record{}, fmt.Errorf("server %s: %w", id, ErrUnknownServer)
	}
	return entry.record, nil
}

// GetHealthyServers lists servers available for selection, in registration
// order. Degraded servers still count as healthy; only offline servers are
// excluded.
func (m *Monitor) GetHealthyServers() []string {
	return m.serversWhere(func(s Status) bool { return s != StatusOffline })
}

// GetDegradedServers lists servers currently degraded, in registration order.
func (m *Monitor) GetDegradedServers() []string {
	return m.serversWhere(func(s Status) bool { return s == StatusDegraded })
}

// GetOfflineServers lists servers currently offline, in registration order.
func (m *Monitor) GetOfflineServers() []string {
	return m.serversWhere(func(s Status) bool { return s == StatusOffline })
}

// GetAllStatuses returns a copy of every health record keyed by server ID.
func (m *Monitor) GetAllStatuses() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Record, len(m.servers))
	for id, entry := range m.servers {
		out[id] = entry.record
	}
	return out
}

func (m *Monitor) serversWhere(match func(Status) bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, id := range m.order {
		if match(m.servers[id].record.Status) {
			out = append(out, id)
		}
	}
	return out
}

func (m *Monitor) publish(typ events.Type, serverID string, prev, next Status, failedChecks int) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(context.Background(), events.TopicPool, events.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		Data: map[string]any{
			"server_id":     serverID,
			"from":          string(prev),
			"to":            string(next),
			"failed_checks": failedChecks,
		},
	})
}
