// Package pool manages the set of remote worker servers: registration,
// connection lifecycle, load-balanced selection, and the embedded health
// monitor that gates which servers are eligible for work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/events"
	"github.com/wavework/foreman/internal/health"
	"github.com/wavework/foreman/internal/transport"
)

// ErrDuplicateServer indicates a server ID is already in the pool.
var ErrDuplicateServer = errors.New("server already in pool")

// ErrUnknownServer indicates a server ID is not in the pool.
var ErrUnknownServer = errors.New("unknown server")

// Strategy selects which healthy server receives the next task.
type Strategy string

const (
	// StrategyRoundRobin rotates through healthy servers in turn.
	StrategyRoundRobin Strategy = "ROUND_ROBIN"
	// StrategyLeastLoaded picks the healthy server with the fewest active
	// tasks, ties broken by pool insertion order.
	StrategyLeastLoaded Strategy = "LEAST_LOADED"
	// StrategyPriority picks the highest-priority healthy server, ties
	// broken by fewest active tasks.
	StrategyPriority Strategy = "PRIORITY"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyPriority:
		return true
	}
	return false
}

// Server is the selection result handed to dispatchers. The pool retains
// ownership of counters; callers report task lifecycle through TaskStarted
// and TaskFinished.
type Server struct {
	ID       string
	URL      string
	Priority int
	Client   transport.WorkerClient
}

// ServerInfo is the per-server detail returned by GetServers.
type ServerInfo struct {
	ID             string        `json:"id"`
	URL            string        `json:"url"`
	Priority       int           `json:"priority"`
	Status         health.Status `json:"status"`
	ActiveTasks    int           `json:"active_tasks"`
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	LastCheck      time.Time     `json:"last_check"`
}

// Stats summarizes the pool. HealthyServers counts every selectable
// server, including degraded ones, so HealthyServers + OfflineServers
// equals TotalServers and DegradedServers is a subset of
// HealthyServers.
type Stats struct {
	TotalServers    int      `json:"total_servers"`
	HealthyServers  int      `json:"healthy_servers"`
	DegradedServers int      `json:"degraded_servers"`
	OfflineServers  int      `json:"offline_servers"`
	ActiveTasks     int      `json:"active_tasks"`
	Strategy        Strategy `json:"strategy"`
}

type entry struct {
	id       string
	url      string
	priority int
	client   transport.WorkerClient

	activeTasks    int
	tasksCompleted int
	tasksFailed    int
}

// Pool is the server pool and load balancer.
type Pool struct {
	mu      sync.Mutex
	servers map[string]*entry
	// order preserves insertion order for deterministic tie-breaks.
	order    []string
	rrCursor int

	strategy Strategy
	monitor  *health.Monitor
	logger   *zap.Logger
	bus      events.Bus
}

// Option configures a Pool.
type Option func(*Pool)

// WithStrategy sets the load-balancing strategy. Invalid values are ignored.
func WithStrategy(s Strategy) Option {
	return func(p *Pool) {
		if s.Valid() {
			p.strategy = s
		}
	}
}

// WithLogger sets the pool's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEventBus sets the observability event bus.
func WithEventBus(bus events.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithMonitor replaces the default health monitor. Useful for tuning
// thresholds and intervals.
func WithMonitor(m *health.Monitor) Option {
	return func(p *Pool) {
		if m != nil {
			p.monitor = m
		}
	}
}

// NewPool creates an empty pool. The default strategy is round robin.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		servers:  make(map[string]*entry),
		strategy: StrategyRoundRobin,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.monitor == nil {
		p.monitor = health.NewMonitor(health.WithLogger(p.logger), health.WithEventBus(p.bus))
	}
	return p
}

// AddServer registers a server and connects its client. A nil client gets a
// default HTTP worker client for the URL. The server starts ONLINE pending
// its first health check.
func (p *Pool) AddServer(ctx context.Context, id, url string, client transport.WorkerClient, priority int) error {
	if client == nil {
		client = transport.NewHTTPWorkerClient(url, transport.WithClientLogger(p.logger))
	}

	p.mu.Lock()
	if _, exists := p.servers[id]; exists {
		p.mu.Unlock()
		return fmt.Errorf("server %s: %w", id, ErrDuplicateServer)
	}
	p.servers[id] = &entry{id: id, url: url, priority: priority, client: client}
	p.order = append(p.order, id)
	p.mu.Unlock()

	if err := p.monitor.AddServer(id, client); err != nil {
		p.dropEntry(id)
		return err
	}
	if err := client.Connect(ctx); err != nil {
		_ = p.monitor.RemoveServer(id)
		p.dropEntry(id)
		return fmt.Errorf("connect server %s: %w", id, err)
	}

	p.logger.Info("server added to pool",
		zap.String("server_id", id), zap.String("url", url), zap.Int("priority", priority))
	p.publish(events.TypeServerAdded, map[string]any{"server_id": id, "url": url})
	return nil
}

// RemoveServer disconnects a server and drops all its state.
func (p *Pool) RemoveServer(id string) error {
	p.mu.Lock()
	e, exists := p.servers[id]
	p.mu.Unlock()
	if !exists {
		return fmt.Errorf("server %s: %w", id, ErrUnknownServer)
	}

	if err := e.client.Close(); err != nil {
		p.logger.Warn("server disconnect failed", zap.String("server_id", id), zap.Error(err))
	}
	_ = p.monitor.RemoveServer(id)
	p.dropEntry(id)

	p.logger.Info("server removed from pool", zap.String("server_id", id))
	p.publish(events.TypeServerRemoved, map[string]any{"server_id": id})
	return nil
}

func (p *Pool) dropEntry(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.servers, id)
	for i, sid := range p.order {
		if sid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// SelectServer picks a healthy server by the active strategy, or nil when
// no healthy server exists.
func (p *Pool) SelectServer() *Server {
	healthy := p.monitor.GetHealthyServers()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Keep only servers the pool still tracks, in pool insertion order.
	var candidates []*entry
	member := make(map[string]bool, len(healthy))
	for _, id := range healthy {
		member[id] = true
	}
	for _, id := range p.order {
		if member[id] {
			candidates = append(candidates, p.servers[id])
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var chosen *entry
	switch p.strategy {
	case StrategyLeastLoaded:
		chosen = candidates[0]
		for _, e := range candidates[1:] {
			if e.activeTasks < chosen.activeTasks {
				chosen = e
			}
		}
	case StrategyPriority:
		chosen = candidates[0]
		for _, e := range candidates[1:] {
			if e.priority > chosen.priority ||
				(e.priority == chosen.priority && e.activeTasks < chosen.activeTasks) {
				chosen = e
			}
		}
	default: // round robin
		chosen = candidates[p.rrCursor%len(candidates)]
		p.rrCursor++
	}

	return &Server{ID: chosen.id, URL: chosen.url, Priority: chosen.priority, Client: chosen.client}
}

// TaskStarted records a dispatch against a server.
func (p *Pool) TaskStarted(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, exists := p.servers[id]
	if !exists {
		return fmt.Errorf("server %s: %w", id, ErrUnknownServer)
	}
	e.activeTasks++
	return nil
}

// TaskFinished records a dispatch outcome against a server.
func (p *Pool) TaskFinished(id string, success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, exists := p.servers[id]
	if !exists {
		return fmt.Errorf("server %s: %w", id, ErrUnknownServer)
	}
	if e.activeTasks > 0 {
		e.activeTasks--
	}
	if success {
		e.tasksCompleted++
	} else {
		e.tasksFailed++
	}
	return nil
}

// CheckHealth probes every pooled server once.
func (p *Pool) CheckHealth(ctx context.Context) {
	p.monitor.CheckAll(ctx)
}

// Monitor exposes the embedded health monitor for queries.
func (p *Pool) Monitor() *health.Monitor {
	return p.monitor
}

// GetStats summarizes the pool's current state.
func (p *Pool) GetStats() Stats {
	statuses := p.monitor.GetAllStatuses()

	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{TotalServers: len(p.servers), Strategy: p.strategy}
	for id, e := range p.servers {
		stats.ActiveTasks += e.activeTasks
		switch statuses[id].Status {
		case health.StatusOffline:
			stats.OfflineServers++
		case health.StatusDegraded:
			stats.DegradedServers++
			stats.HealthyServers++
		default:
			stats.HealthyServers++
		}
	}
	return stats
}

// GetServers returns per-server detail in insertion order.
func (p *Pool) GetServers() []ServerInfo {
	statuses := p.monitor.GetAllStatuses()

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ServerInfo, 0, len(p.order))
	for _, id := range p.order {
		e := p.servers[id]
		rec := statuses[id]
		out = append(out, ServerInfo{
			ID:             e.id,
			URL:            e.url,
			Priority:       e.priority,
			Status:         rec.Status,
			ActiveTasks:    e.activeTasks,
			TasksCompleted: e.tasksCompleted,
			TasksFailed:    e.tasksFailed,
			LastCheck:      rec.LastCheck,
		})
	}
	return out
}

// Initialize starts the embedded health monitor's periodic sweep.
func (p *Pool) Initialize(ctx context.Context) {
	p.monitor.Start(ctx)
	p.logger.Info("server pool initialized", zap.String("strategy", string(p.strategy)))
}

// Shutdown stops the health monitor, then disconnects and removes every
// server.
func (p *Pool) Shutdown() {
	p.monitor.Stop()

	p.mu.Lock()
	ids := make([]string, len(p.order))
	copy(ids, p.order)
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.RemoveServer(id); err != nil {
			p.logger.Warn("shutdown remove failed", zap.String("server_id", id), zap.Error(err))
		}
	}
	p.logger.Info("server pool shut down")
}

func (p *Pool) publish(typ events.Type, data map[string]any) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(context.Background(), events.TopicPool, events.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
