package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wavework/foreman/internal/manifest"
	"github.com/wavework/foreman/internal/queue"
	"github.com/wavework/foreman/internal/state"
	"github.com/wavework/foreman/internal/transport"
	"github.com/wavework/foreman/pkg/models"
)

// fakeWorker implements transport.WorkerClient in memory. Failures are
// scripted per feature ID; calls are recorded in dispatch order.
type fakeWorker struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int
	block    chan struct{}
	started  chan struct{}
	once     sync.Once
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{failures: make(map[string]int), started: make(chan struct{})}
}

func (f *fakeWorker) Connect(ctx context.Context) error { return nil }
func (f *fakeWorker) Close() error                      { return nil }
func (f *fakeWorker) Ping(ctx context.Context) error    { return nil }

func (f *fakeWorker) ListAgentTypes(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeWorker) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	featureID, _ := args["feature_id"].(string)
	f.once.Do(func() { close(f.started) })
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, featureID)
	if f.failures[featureID] > 0 {
		f.failures[featureID]--
		return nil, errors.New("tool call failed")
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeWorker) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeWorker) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Features: []models.Feature{
			{ID: "schema", AgentType: "backend", Priority: models.PriorityHigh},
			{ID: "api", AgentType: "backend", Dependencies: []string{"schema"}},
			{ID: "ui", AgentType: "frontend", Dependencies: []string{"schema"}},
		},
		Workers: []models.Worker{
			{ID: "w1"},
		},
		Servers: []manifest.ServerDecl{
			{ID: "s1", URL: "http://127.0.0.1:9001"},
		},
	}
}

func newTestOrchestrator(t *testing.T, worker *fakeWorker, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append(opts,
		WithPollInterval(time.Millisecond),
		WithClientFactory(func(url string) transport.WorkerClient { return worker }),
	)
	o := NewOrchestrator(opts...)
	t.Cleanup(o.Shutdown)
	return o
}

func openTestStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunSession_AllTasksComplete(t *testing.T) {
	worker := newFakeWorker()
	store := openTestStore(t)
	o := newTestOrchestrator(t, worker, WithStore(store))

	result, err := o.RunSession(context.Background(), testManifest(), "manifest.yaml")
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if result.Completed != 3 || result.Failed != 0 {
		t.Fatalf("completed=%d failed=%d, want 3/0", result.Completed, result.Failed)
	}
	if !result.Succeeded() {
		t.Fatal("expected session to succeed")
	}

	sess, err := store.GetSession(result.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess == nil {
		t.Fatal("session not persisted")
	}
	if sess.Status != state.SessionCompleted {
		t.Fatalf("session status = %s, want %s", sess.Status, state.SessionCompleted)
	}
	if sess.CompletedAt == nil {
		t.Fatal("session CompletedAt not set")
	}

	plan, err := store.GetPlan(result.SessionID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if plan == nil || plan.TotalFeatures != 3 {
		t.Fatalf("persisted plan = %+v, want 3 features", plan)
	}

	outcomes, err := store.ListTaskOutcomes(result.SessionID)
	if err != nil {
		t.Fatalf("ListTaskOutcomes: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outcomes))
	}
	for _, oc := range outcomes {
		if oc.Status != string(models.TaskStatusCompleted) {
			t.Errorf("outcome %s status = %s", oc.FeatureID, oc.Status)
		}
	}
}

func TestRunSession_BatchOrdering(t *testing.T) {
	worker := newFakeWorker()
	o := newTestOrchestrator(t, worker)

	if _, err := o.RunSession(context.Background(), testManifest(), ""); err != nil {
		t.Fatalf("RunSession: %v", err)
	}

	calls := worker.callOrder()
	if len(calls) != 3 {
		t.Fatalf("got %d calls, want 3", len(calls))
	}
	if calls[0] != "schema" {
		t.Fatalf("first dispatched feature = %s, want schema", calls[0])
	}
}

func TestRunSession_RetryThenSuccess(t *testing.T) {
	worker := newFakeWorker()
	worker.failures["schema"] = 2

	q := queue.NewQueue(queue.WithMaxRetries(3))
	o := newTestOrchestrator(t, worker, WithQueue(q))

	result, err := o.RunSession(context.Background(), testManifest(), "")
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if result.Completed != 3 || result.Failed != 0 {
		t.Fatalf("completed=%d failed=%d, want 3/0", result.Completed, result.Failed)
	}
	// schema dispatched 3 times, api and ui once each.
	if got := len(worker.callOrder()); got != 5 {
		t.Fatalf("got %d dispatches, want 5", got)
	}
}

func TestRunSession_TerminalFailure(t *testing.T) {
	worker := newFakeWorker()
	worker.failures["ui"] = 100

	q := queue.NewQueue(queue.WithMaxRetries(1))
	store := openTestStore(t)
	o := newTestOrchestrator(t, worker, WithQueue(q), WithStore(store))

	result, err := o.RunSession(context.Background(), testManifest(), "")
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if result.Failed != 1 || result.Completed != 2 {
		t.Fatalf("completed=%d failed=%d, want 2/1", result.Completed, result.Failed)
	}
	if result.Succeeded() {
		t.Fatal("expected session failure")
	}

	sess, err := store.GetSession(result.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != state.SessionFailed {
		t.Fatalf("session status = %s, want %s", sess.Status, state.SessionFailed)
	}

	outcomes, _ := store.ListTaskOutcomes(result.SessionID)
	var failed *state.TaskOutcome
	for i := range outcomes {
		if outcomes[i].Status == string(models.TaskStatusFailed) {
			failed = &outcomes[i]
		}
	}
	if failed == nil {
		t.Fatal("no failed outcome recorded")
	}
	if failed.FeatureID != "ui" || failed.RetryCount != 2 {
		t.Fatalf("failed outcome = %+v, want feature ui with retry count 2", failed)
	}
}

func TestRunSession_InvalidManifest(t *testing.T) {
	m := testManifest()
	m.Features[1].Dependencies = []string{"missing"}

	o := newTestOrchestrator(t, newFakeWorker())
	if _, err := o.RunSession(context.Background(), m, ""); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("err = %v, want ErrInvalidManifest", err)
	}
}

func TestRunSession_NoServers(t *testing.T) {
	m := testManifest()
	m.Servers = nil

	o := newTestOrchestrator(t, newFakeWorker())
	result, err := o.RunSession(context.Background(), m, "")
	if !errors.Is(err, ErrNoHealthyServers) {
		t.Fatalf("err = %v, want ErrNoHealthyServers", err)
	}
	if result == nil || result.Completed != 0 {
		t.Fatalf("result = %+v, want zero completions", result)
	}
}

func TestRunSession_SecondCallRejected(t *testing.T) {
	worker := newFakeWorker()
	worker.block = make(chan struct{})
	o := newTestOrchestrator(t, worker)

	errCh := make(chan error, 1)
	go func() {
		_, err := o.RunSession(context.Background(), testManifest(), "")
		errCh <- err
	}()

	<-worker.started
	if _, err := o.RunSession(context.Background(), testManifest(), ""); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}

	close(worker.block)
	if err := <-errCh; err != nil {
		t.Fatalf("first session: %v", err)
	}
}

func TestRunSession_ContextCancel(t *testing.T) {
	worker := newFakeWorker()
	worker.block = make(chan struct{})

	q := queue.NewQueue(queue.WithMaxRetries(0))
	o := newTestOrchestrator(t, worker, WithQueue(q))

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		result *SessionResult
		err    error
	}
	outCh := make(chan outcome, 1)
	go func() {
		result, err := o.RunSession(ctx, testManifest(), "")
		outCh <- outcome{result, err}
	}()

	<-worker.started
	cancel()
	// Depending on timing the drain loop either observes the cancel
	// directly or every task fails with the context error.
	out := <-outCh
	if out.err == nil && (out.result == nil || out.result.Failed == 0) {
		t.Fatalf("session finished cleanly after cancel: %+v", out.result)
	}
}

func TestAnalyzeManifest_Batches(t *testing.T) {
	o := newTestOrchestrator(t, newFakeWorker())
	batches, err := o.AnalyzeManifest(testManifest())
	if err != nil {
		t.Fatalf("AnalyzeManifest: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if len(batches[0]) != 1 || batches[0][0].ID != "schema" {
		t.Fatalf("first batch = %v, want [schema]", batches[0])
	}
	if len(batches[1]) != 2 {
		t.Fatalf("second batch has %d features, want 2", len(batches[1]))
	}
}

func TestPlanManifest(t *testing.T) {
	o := newTestOrchestrator(t, newFakeWorker())
	plan, err := o.PlanManifest(testManifest())
	if err != nil {
		t.Fatalf("PlanManifest: %v", err)
	}
	if plan.TotalFeatures != 3 || len(plan.Batches) != 2 {
		t.Fatalf("plan = %d features in %d batches, want 3 in 2", plan.TotalFeatures, len(plan.Batches))
	}
}

func TestRegisterServers_SkipsExisting(t *testing.T) {
	worker := newFakeWorker()
	o := newTestOrchestrator(t, worker)

	decls := []manifest.ServerDecl{{ID: "s1", URL: "http://127.0.0.1:9001"}}
	if err := o.RegisterServers(context.Background(), decls); err != nil {
		t.Fatalf("RegisterServers: %v", err)
	}
	if err := o.RegisterServers(context.Background(), decls); err != nil {
		t.Fatalf("second RegisterServers: %v", err)
	}
	if got := o.Pool().GetStats().TotalServers; got != 1 {
		t.Fatalf("got %d servers, want 1", got)
	}
}
