// Package orchestrator drives a full planning and execution session: it
// analyzes a manifest into dependency batches, plans feature-to-worker
// assignments, and drains the work queue against the server pool one
// batch at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/events"
	"github.com/wavework/foreman/internal/graph"
	"github.com/wavework/foreman/internal/health"
	"github.com/wavework/foreman/internal/manifest"
	"github.com/wavework/foreman/internal/metrics"
	"github.com/wavework/foreman/internal/planner"
	"github.com/wavework/foreman/internal/pool"
	"github.com/wavework/foreman/internal/queue"
	"github.com/wavework/foreman/internal/state"
	"github.com/wavework/foreman/internal/transport"
	"github.com/wavework/foreman/pkg/models"
)

var (
	// ErrInvalidManifest indicates the manifest failed dependency validation.
	ErrInvalidManifest = errors.New("orchestrator: invalid manifest")
	// ErrNoHealthyServers indicates no server was available for dispatch.
	ErrNoHealthyServers = errors.New("orchestrator: no healthy servers")
	// ErrSessionActive indicates a session is already running.
	ErrSessionActive = errors.New("orchestrator: session already active")
)

// defaultPollInterval bounds how long the drain loop sleeps when nothing
// is claimable and nothing has completed.
const defaultPollInterval = 50 * time.Millisecond

// SessionResult summarizes one completed orchestration session.
type SessionResult struct {
	// SessionID identifies the session in the state store.
	SessionID string
	// Plan is the execution plan the session ran.
	Plan *models.ExecutionPlan
	// Completed is the number of tasks that finished successfully.
	Completed int
	// Failed is the number of tasks that failed terminally.
	Failed int
	// Duration is the wall-clock time of the session.
	Duration time.Duration
}

// Succeeded reports whether every task in the session completed.
func (r *SessionResult) Succeeded() bool {
	return r.Failed == 0
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEventBus sets the bus session lifecycle events are published to.
func WithEventBus(bus events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithStore sets the state store sessions, plans, and task outcomes are
// persisted to. Without a store the session runs in memory only.
func WithStore(store state.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithPlannerOptions sets the planning calibration.
func WithPlannerOptions(opts planner.Options) Option {
	return func(o *Orchestrator) { o.plannerOpts = opts }
}

// WithQueue sets a pre-built work queue.
func WithQueue(q *queue.Queue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

// WithPool sets a pre-built server pool.
func WithPool(p *pool.Pool) Option {
	return func(o *Orchestrator) { o.pool = p }
}

// WithClientFactory sets how worker clients are built from manifest
// server declarations. Defaults to the HTTP binding.
func WithClientFactory(f func(url string) transport.WorkerClient) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.clientFactory = f
		}
	}
}

// WithPollInterval sets the drain loop's idle wait.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// Orchestrator coordinates the analyzer, planner, queue, and pool for
// one session at a time.
type Orchestrator struct {
	mu      sync.Mutex
	running bool

	planner       *planner.Planner
	queue         *queue.Queue
	pool          *pool.Pool
	store         state.Store
	metrics       *metrics.Collector
	logger        *zap.Logger
	bus           events.Bus
	plannerOpts   planner.Options
	clientFactory func(url string) transport.WorkerClient
	pollInterval  time.Duration
}

// NewOrchestrator builds an orchestrator. Queue and pool are created
// with defaults unless injected.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:       zap.NewNop(),
		pollInterval: defaultPollInterval,
		clientFactory: func(url string) transport.WorkerClient {
			return transport.NewHTTPWorkerClient(url)
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.planner = planner.NewPlanner(planner.WithLogger(o.logger), planner.WithEventBus(o.bus))
	if o.queue == nil {
		o.queue = queue.NewQueue(queue.WithLogger(o.logger), queue.WithEventBus(o.bus))
	}
	if o.pool == nil {
		o.pool = pool.NewPool(pool.WithLogger(o.logger), pool.WithEventBus(o.bus))
	}
	return o
}

// Queue exposes the work queue, for the serve API.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Pool exposes the server pool, for the serve API.
func (o *Orchestrator) Pool() *pool.Pool { return o.pool }

// Planner exposes the execution planner.
func (o *Orchestrator) Planner() *planner.Planner { return o.planner }

// AnalyzeManifest validates the manifest's features and levels them into
// dependency-ordered batches.
func (o *Orchestrator) AnalyzeManifest(m *manifest.Manifest) ([][]models.Feature, error) {
	a := graph.NewAnalyzer(graph.WithLogger(o.logger), graph.WithEventBus(o.bus))
	for _, f := range m.Features {
		if err := a.AddFeature(f); err != nil {
			return nil, err
		}
	}
	if result := a.Validate(); !result.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, result.Errors)
	}
	return a.GenerateBatches()
}

// PlanManifest analyzes the manifest and builds an execution plan from it.
func (o *Orchestrator) PlanManifest(m *manifest.Manifest) (*models.ExecutionPlan, error) {
	batches, err := o.AnalyzeManifest(m)
	if err != nil {
		return nil, err
	}
	plan, err := o.planner.CreateExecutionPlan(batches, m.Workers, o.plannerOpts)
	if err != nil {
		if o.metrics != nil {
			o.metrics.IncPlansFailed()
		}
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.IncPlansCreated()
	}
	return plan, nil
}

// RegisterServers adds the manifest's server declarations to the pool,
// skipping IDs that are already registered.
func (o *Orchestrator) RegisterServers(ctx context.Context, decls []manifest.ServerDecl) error {
	registered := make(map[string]bool)
	for _, s := range o.pool.GetServers() {
		registered[s.ID] = true
	}
	for _, d := range decls {
		if registered[d.ID] {
			continue
		}
		client := o.clientFactory(d.URL)
		if err := o.pool.AddServer(ctx, d.ID, d.URL, client, d.Priority); err != nil {
			return fmt.Errorf("register server %s: %w", d.ID, err)
		}
	}
	return nil
}

// RunSession executes a full session for the manifest: plan, persist,
// then drain every batch in dependency order. A batch's tasks may run
// concurrently; the next batch starts only once the previous one has
// fully settled.
func (o *Orchestrator) RunSession(ctx context.Context, m *manifest.Manifest, manifestPath string) (*SessionResult, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrSessionActive
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	start := time.Now()
	plan, err := o.PlanManifest(m)
	if err != nil {
		return nil, err
	}
	if err := o.RegisterServers(ctx, m.Servers); err != nil {
		return nil, err
	}
	o.updatePoolMetrics()

	session := &state.Session{
		ID:            uuid.New().String(),
		ManifestPath:  manifestPath,
		Strategy:      string(o.pool.GetStats().Strategy),
		TotalFeatures: plan.TotalFeatures,
		StartedAt:     start,
		Status:        state.SessionActive,
	}
	if o.store != nil {
		if err := o.store.CreateSession(session); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		if err := o.store.SavePlan(session.ID, plan); err != nil {
			return nil, fmt.Errorf("save plan: %w", err)
		}
	}
	o.logger.Info("session started",
		zap.String("session_id", session.ID),
		zap.Int("batches", len(plan.Batches)),
		zap.Int("features", plan.TotalFeatures))

	result := &SessionResult{SessionID: session.ID, Plan: plan}
	var runErr error
	for i, batch := range plan.Batches {
		completed, failed, err := o.runBatch(ctx, session.ID, batch)
		result.Completed += completed
		result.Failed += failed
		if err != nil {
			runErr = fmt.Errorf("batch %d: %w", i, err)
			break
		}
	}
	result.Duration = time.Since(start)

	status := state.SessionCompleted
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		status = state.SessionCanceled
	case runErr != nil || result.Failed > 0:
		status = state.SessionFailed
	}
	if o.store != nil {
		now := time.Now()
		session.CompletedAt = &now
		session.Status = status
		if err := o.store.UpdateSession(session); err != nil {
			o.logger.Warn("update session failed", zap.Error(err))
		}
	}
	o.logger.Info("session finished",
		zap.String("session_id", session.ID),
		zap.String("status", string(status)),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// dispatchResult is what one dispatch goroutine reports back to the
// drain loop.
type dispatchResult struct {
	task     models.Task
	serverID string
	err      error
	elapsed  time.Duration
}

// runBatch enqueues the batch's assignments and drains them through the
// pool. Retrying tasks are re-queued and picked up again; the batch is
// done when every task has reached a terminal state.
func (o *Orchestrator) runBatch(ctx context.Context, sessionID string, batch models.PlannedBatch) (completed, failed int, err error) {
	if len(batch.Assignments) == 0 {
		return 0, 0, nil
	}

	pending := 0
	for _, a := range batch.Assignments {
		payload := models.TaskPayload{
			Name:      a.AgentType,
			FeatureID: a.FeatureID,
			Arguments: map[string]any{"feature_id": a.FeatureID},
		}
		priority := priorityFor(a.EstimatedTime, batch.Assignments)
		if _, _, err := o.queue.Enqueue(models.TaskTypeToolCall, payload, priority); err != nil {
			return completed, failed, fmt.Errorf("enqueue %s: %w", a.FeatureID, err)
		}
		pending++
	}
	o.updateQueueMetrics()

	doneCh := make(chan dispatchResult, pending)
	inflight := 0

	// settle consumes one dispatch result and folds it into the batch
	// counters. Terminal statuses shrink pending; retries go back in.
	settle := func(res dispatchResult) error {
		inflight--
		c, f, e := o.settleDispatch(sessionID, res)
		completed += c
		failed += f
		if res.task.Status.Terminal() {
			pending--
		}
		return e
	}

	for pending > 0 {
		drained := false
		for !drained {
			select {
			case res := <-doneCh:
				if e := settle(res); e != nil {
					return completed, failed, e
				}
			default:
				drained = true
			}
		}
		if pending == 0 {
			break
		}

		task := o.queue.GetNextTask()
		if task == nil {
			// At the concurrency cap, or everything claimable is in
			// flight. Wait for a completion.
			select {
			case <-ctx.Done():
				return completed, failed, ctx.Err()
			case res := <-doneCh:
				if e := settle(res); e != nil {
					return completed, failed, e
				}
			case <-time.After(o.pollInterval):
			}
			continue
		}

		srv := o.pool.SelectServer()
		if srv == nil {
			if inflight == 0 {
				return completed, failed, ErrNoHealthyServers
			}
			// A completion may free or recover a server; put the
			// claimed task back until one does.
			o.restoreClaim(task.ID)
			select {
			case <-ctx.Done():
				return completed, failed, ctx.Err()
			case res := <-doneCh:
				if e := settle(res); e != nil {
					return completed, failed, e
				}
			}
			continue
		}

		if err := o.pool.TaskStarted(srv.ID); err != nil {
			o.logger.Warn("task started on unknown server", zap.String("server_id", srv.ID))
		}
		inflight++
		o.updatePoolMetrics()
		go func(taskID, serverID string, server *pool.Server) {
			started := time.Now()
			snap, execErr := o.queue.ExecuteTask(ctx, taskID, server)
			if finErr := o.pool.TaskFinished(serverID, execErr == nil); finErr != nil {
				o.logger.Warn("task finished on unknown server", zap.String("server_id", serverID))
			}
			doneCh <- dispatchResult{task: snap, serverID: serverID, err: execErr, elapsed: time.Since(started)}
		}(task.ID, srv.ID, srv)
	}

	// Drain stragglers so no goroutine blocks on doneCh.
	for inflight > 0 {
		res := <-doneCh
		if e := settle(res); e != nil {
			return completed, failed, e
		}
	}
	return completed, failed, nil
}

// settleDispatch handles one dispatch result: requeue on retry, record
// the outcome on terminal states.
func (o *Orchestrator) settleDispatch(sessionID string, res dispatchResult) (completed, failed int, err error) {
	switch res.task.Status {
	case models.TaskStatusRetrying:
		if o.metrics != nil {
			o.metrics.IncTaskRetries()
		}
		if rqErr := o.queue.Requeue(res.task.ID); rqErr != nil {
			return 0, 0, fmt.Errorf("requeue %s: %w", res.task.ID, rqErr)
		}
	case models.TaskStatusCompleted:
		completed = 1
		o.recordOutcome(sessionID, res)
	case models.TaskStatusFailed:
		failed = 1
		o.recordOutcome(sessionID, res)
	}
	o.updateQueueMetrics()
	o.updatePoolMetrics()
	return completed, failed, nil
}

// recordOutcome persists the terminal task state and updates metrics.
func (o *Orchestrator) recordOutcome(sessionID string, res dispatchResult) {
	if o.metrics != nil {
		o.metrics.IncTasksExecuted(string(res.task.Type), string(res.task.Status))
		o.metrics.ObserveTaskDuration(string(res.task.Type), res.elapsed)
	}
	if o.store == nil {
		return
	}
	outcome := &state.TaskOutcome{
		ID:          res.task.ID,
		SessionID:   sessionID,
		FeatureID:   res.task.Payload.FeatureID,
		ServerID:    res.serverID,
		Type:        string(res.task.Type),
		Status:      string(res.task.Status),
		RetryCount:  res.task.RetryCount,
		Error:       res.task.Error,
		CreatedAt:   res.task.CreatedAt,
		CompletedAt: res.task.CompletedAt,
	}
	if err := o.store.RecordTaskOutcome(outcome); err != nil {
		o.logger.Warn("record task outcome failed",
			zap.String("task_id", res.task.ID), zap.Error(err))
	}
}

// restoreClaim returns a claimed-but-undispatched task to the pending
// index so a later GetNextTask can claim it again.
func (o *Orchestrator) restoreClaim(taskID string) {
	if err := o.queue.Restore(taskID); err != nil {
		o.logger.Warn("restore claimed task failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// updateQueueMetrics publishes current queue depth gauges.
func (o *Orchestrator) updateQueueMetrics() {
	if o.metrics == nil {
		return
	}
	stats := o.queue.GetStats()
	o.metrics.SetQueueDepth("pending", stats.Pending)
	o.metrics.SetQueueDepth("in_progress", stats.InProgress)
	o.metrics.SetQueueDepth("completed", stats.Completed)
	o.metrics.SetQueueDepth("failed", stats.Failed)
}

// updatePoolMetrics publishes the per-status server gauges and each
// server's in-flight task gauge.
func (o *Orchestrator) updatePoolMetrics() {
	if o.metrics == nil {
		return
	}
	counts := map[health.Status]int{
		health.StatusOnline:   0,
		health.StatusDegraded: 0,
		health.StatusOffline:  0,
	}
	for _, srv := range o.pool.GetServers() {
		counts[srv.Status]++
		o.metrics.SetServerActiveTasks(srv.ID, srv.ActiveTasks)
	}
	for status, n := range counts {
		o.metrics.SetServersByStatus(strings.ToLower(string(status)), n)
	}
}

// priorityFor spreads queue priorities so larger estimates dispatch
// first within a batch, mirroring the planner's largest-first ordering.
func priorityFor(estimate time.Duration, assignments []models.Assignment) int {
	rank := 1
	for _, a := range assignments {
		if estimate > a.EstimatedTime {
			rank++
		}
	}
	if rank > 10 {
		rank = 10
	}
	return rank
}

// Shutdown releases the orchestrator's pool resources.
func (o *Orchestrator) Shutdown() {
	o.pool.Shutdown()
}
