// Package queue owns task state: a priority-ordered pending index, dispatch
// against a pooled server, retry accounting, and futures resolved when a
// task reaches a terminal state. Nothing outside this package mutates a
// task.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavework/foreman/internal/events"
	"github.com/wavework/foreman/internal/pool"
	"github.com/wavework/foreman/pkg/models"
)

// ErrTaskNotFound indicates an unknown task ID.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskNotCancellable indicates a cancel attempt on a task that is no
// longer pending. Running tasks are never preempted; terminal tasks keep
// their outcome.
var ErrTaskNotCancellable = errors.New("task not cancellable")

// ErrTaskNotPending indicates an execute or requeue attempt on a task in
// the wrong state.
var ErrTaskNotPending = errors.New("task not in expected state")

// ErrCancelled is the terminal error recorded on a cancelled task.
var ErrCancelled = errors.New("task cancelled")

// Stats summarizes queue state.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Future resolves when its task reaches a terminal state.
type Future struct {
	taskID string
	done   chan struct{}

	mu   sync.Mutex
	task models.Task
	err  error
}

// TaskID identifies the task this future tracks.
func (f *Future) TaskID() string { return f.taskID }

// Done is closed when the task reaches a terminal state.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task is terminal or ctx is cancelled. On a failed
// task it returns the final task snapshot alongside the failure error.
func (f *Future) Wait(ctx context.Context) (models.Task, error) {
	select {
	case <-ctx.Done():
		return models.Task{}, ctx.Err()
	case <-f.done:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.task, f.err
}

func (f *Future) settle(task models.Task, err error) {
	f.mu.Lock()
	f.task = task
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// item is one pending-heap entry. Higher priority pops first; equal
// priorities pop in insertion order.
type item struct {
	taskID   string
	priority int
	seq      int64
	index    int
}

type pendingHeap []*item

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the work queue.
type Queue struct {
	mu      sync.Mutex
	tasks   map[string]*models.Task
	futures map[string]*Future
	// pendingItems indexes heap entries by task ID so cancellation can
	// remove a specific pending task.
	pendingItems map[string]*item
	pending      pendingHeap
	inProgress   map[string]bool
	nextSeq      int64

	maxRetries      int
	concurrentTasks int

	logger *zap.Logger
	bus    events.Bus
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries sets how many times a failed task is retried before it
// goes terminal. Negative values are ignored.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithConcurrentTasks sets the global in-progress cap. Values below one
// are ignored.
func WithConcurrentTasks(n int) Option {
	return func(q *Queue) {
		if n >= 1 {
			q.concurrentTasks = n
		}
	}
}

// WithLogger sets the queue's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithEventBus sets the observability event bus.
func WithEventBus(bus events.Bus) Option {
	return func(q *Queue) { q.bus = bus }
}

// NewQueue creates an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		tasks:           make(map[string]*models.Task),
		futures:         make(map[string]*Future),
		pendingItems:    make(map[string]*item),
		inProgress:      make(map[string]bool),
		maxRetries:      3,
		concurrentTasks: 5,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue creates a pending task and returns its snapshot plus a future
// resolved when the task goes terminal.
func (q *Queue) Enqueue(taskType models.TaskType, payload models.TaskPayload, priority int) (models.Task, *Future, error) {
	if !taskType.Valid() {
		return models.Task{}, nil, fmt.Errorf("task type %q is not valid", taskType)
	}

	task := &models.Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Payload:   payload,
		Priority:  priority,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now(),
	}
	fut := &Future{taskID: task.ID, done: make(chan struct{})}

	q.mu.Lock()
	q.tasks[task.ID] = task
	q.futures[task.ID] = fut
	q.pushPendingLocked(task.ID, priority)
	q.mu.Unlock()

	q.logger.Debug("task enqueued",
		zap.String("task_id", task.ID), zap.String("type", string(taskType)), zap.Int("priority", priority))
	q.publish(events.TypeTaskQueued, map[string]any{
		"task_id": task.ID, "type": string(taskType), "priority": priority,
	})
	return *task, fut, nil
}

// pushPendingLocked adds a task to the pending index. Caller holds q.mu.
func (q *Queue) pushPendingLocked(taskID string, priority int) {
	it := &item{taskID: taskID, priority: priority, seq: q.nextSeq}
	q.nextSeq++
	q.pendingItems[taskID] = it
	heap.Push(&q.pending, it)
}

// GetNextTask pops the highest-priority pending task, or returns nil when
// the pending index is empty or the in-progress cap is reached. The task's
// status is unchanged; ExecuteTask performs the transition.
func (q *Queue) GetNextTask() *models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 || len(q.inProgress) >= q.concurrentTasks {
		return nil
	}
	it := heap.Pop(&q.pending).(*item)
	delete(q.pendingItems, it.taskID)

	snapshot := *q.tasks[it.taskID]
	return &snapshot
}

// ExecuteTask dispatches a pending task against the given server. Success
// completes the task and resolves its future. Failure increments the retry
// count: under the retry limit the task becomes retrying and the caller
// re-queues it via Requeue; past the limit it fails and the future is
// rejected. The returned snapshot reflects the post-dispatch state.
func (q *Queue) ExecuteTask(ctx context.Context, taskID string, server *pool.Server) (models.Task, error) {
	q.mu.Lock()
	task, exists := q.tasks[taskID]
	if !exists {
		q.mu.Unlock()
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != models.TaskStatusPending {
		q.mu.Unlock()
		return models.Task{}, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrTaskNotPending)
	}
	// A pending task still in the index was never claimed via GetNextTask;
	// claim it now so a concurrent cancel cannot race the dispatch.
	if it, inIndex := q.pendingItems[taskID]; inIndex {
		heap.Remove(&q.pending, it.index)
		delete(q.pendingItems, taskID)
	}
	task.Status = models.TaskStatusInProgress
	q.inProgress[taskID] = true
	payload := task.Payload
	taskType := task.Type
	q.mu.Unlock()

	dispatchErr := q.dispatch(ctx, taskType, payload, server)

	q.mu.Lock()
	delete(q.inProgress, taskID)
	if dispatchErr == nil {
		now := time.Now()
		task.Status = models.TaskStatusCompleted
		task.CompletedAt = &now
		task.Error = ""
		snapshot := *task
		fut := q.futures[taskID]
		q.mu.Unlock()

		if fut != nil {
			fut.settle(snapshot, nil)
		}
		q.logger.Info("task completed",
			zap.String("task_id", taskID), zap.String("server_id", server.ID))
		q.publish(events.TypeTaskCompleted, map[string]any{
			"task_id": taskID, "server_id": server.ID, "feature_id": payload.FeatureID,
		})
		return snapshot, nil
	}

	task.RetryCount++
	task.Error = dispatchErr.Error()
	if task.RetryCount <= q.maxRetries {
		task.Status = models.TaskStatusRetrying
		snapshot := *task
		q.mu.Unlock()

		q.logger.Warn("task failed, will retry",
			zap.String("task_id", taskID),
			zap.Int("retry_count", snapshot.RetryCount),
			zap.Error(dispatchErr))
		q.publish(events.TypeTaskRetry, map[string]any{
			"task_id": taskID, "retry_count": snapshot.RetryCount, "error": dispatchErr.Error(),
		})
		return snapshot, dispatchErr
	}

	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.CompletedAt = &now
	snapshot := *task
	fut := q.futures[taskID]
	q.mu.Unlock()

	if fut != nil {
		fut.settle(snapshot, fmt.Errorf("task %s failed after %d retries: %w",
			taskID, snapshot.RetryCount-1, dispatchErr))
	}
	q.logger.Error("task failed permanently",
		zap.String("task_id", taskID), zap.Error(dispatchErr))
	q.publish(events.TypeTaskFailed, map[string]any{
		"task_id": taskID, "feature_id": payload.FeatureID, "error": dispatchErr.Error(),
	})
	return snapshot, dispatchErr
}

// dispatch routes a task to the matching worker operation.
func (q *Queue) dispatch(ctx context.Context, taskType models.TaskType, payload models.TaskPayload, server *pool.Server) error {
	switch taskType {
	case models.TaskTypeToolCall:
		_, err := server.Client.CallTool(ctx, payload.Name, payload.Arguments)
		return err
	case models.TaskTypeResourceRead:
		_, err := server.Client.ReadResource(ctx, payload.Name)
		return err
	default:
		return fmt.Errorf("task type %q is not dispatchable", taskType)
	}
}

// Requeue puts a retrying task back on the pending index.
func (q *Queue) Requeue(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, exists := q.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != models.TaskStatusRetrying {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrTaskNotPending)
	}
	task.Status = models.TaskStatusPending
	q.pushPendingLocked(taskID, task.Priority)
	return nil
}

// Restore returns a claimed but never-dispatched task to the pending
// index. Used when the caller claimed a task and then found no server
// to dispatch it to.
func (q *Queue) Restore(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, exists := q.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != models.TaskStatusPending {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrTaskNotPending)
	}
	if _, inIndex := q.pendingItems[taskID]; inIndex {
		return nil
	}
	q.pushPendingLocked(taskID, task.Priority)
	return nil
}

// CancelTask cancels a pending, unclaimed task: it is removed from the
// pending index and fails with a cancellation error. Tasks that are
// claimed, running, or terminal return ErrTaskNotCancellable.
func (q *Queue) CancelTask(taskID string) error {
	q.mu.Lock()
	task, exists := q.tasks[taskID]
	if !exists {
		q.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	it, inIndex := q.pendingItems[taskID]
	if task.Status != models.TaskStatusPending || !inIndex {
		q.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrTaskNotCancellable)
	}

	heap.Remove(&q.pending, it.index)
	delete(q.pendingItems, taskID)
	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.CompletedAt = &now
	task.Error = ErrCancelled.Error()
	snapshot := *task
	fut := q.futures[taskID]
	q.mu.Unlock()

	if fut != nil {
		fut.settle(snapshot, ErrCancelled)
	}
	q.logger.Info("task cancelled", zap.String("task_id", taskID))
	q.publish(events.TypeTaskFailed, map[string]any{"task_id": taskID, "error": ErrCancelled.Error()})
	return nil
}

// GetTask returns a snapshot of one task.
func (q *Queue) GetTask(taskID string) (models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, exists := q.tasks[taskID]
	if !exists {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return *task, nil
}

// GetStats summarizes queue state.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Total: len(q.tasks)}
	for _, task := range q.tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			stats.Completed++
		case models.TaskStatusFailed:
			stats.Failed++
		case models.TaskStatusInProgress:
			stats.InProgress++
		default:
			stats.Pending++
		}
	}
	return stats
}

// ClearCompleted drops completed tasks and their futures.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cleared := 0
	for id, task := range q.tasks {
		if task.Status == models.TaskStatusCompleted {
			delete(q.tasks, id)
			delete(q.futures, id)
			cleared++
		}
	}
	return cleared
}

func (q *Queue) publish(typ events.Type, data map[string]any) {
	if q.bus == nil {
		return
	}
	_ = q.bus.Publish(context.Background(), events.TopicQueue, events.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
