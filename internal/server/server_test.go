package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wavework/foreman/internal/events"
	"github.com/wavework/foreman/internal/metrics"
	"github.com/wavework/foreman/internal/orchestrator"
	"github.com/wavework/foreman/internal/transport"
	"github.com/wavework/foreman/pkg/models"
)

const testManifestYAML = `
features:
  - id: schema
    agent_type: backend
    priority: high
  - id: api
    agent_type: backend
    dependencies: [schema]
  - id: ui
    agent_type: frontend
    dependencies: [schema]
workers:
  - id: w1
servers:
  - id: s1
    url: http://127.0.0.1:9001
`

// okWorker is a transport.WorkerClient whose every dispatch succeeds.
type okWorker struct{}

func (okWorker) Connect(ctx context.Context) error { return nil }
func (okWorker) Close() error                      { return nil }
func (okWorker) Ping(ctx context.Context) error    { return nil }
func (okWorker) ListAgentTypes(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (okWorker) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (okWorker) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

type testEnv struct {
	server *Server
	orch   *orchestrator.Orchestrator
	bus    *events.MemoryBus
	reg    *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := events.NewMemoryBus()
	reg := prometheus.NewRegistry()
	orch := orchestrator.NewOrchestrator(
		orchestrator.WithEventBus(bus),
		orchestrator.WithMetrics(metrics.NewCollector(reg)),
		orchestrator.WithPollInterval(time.Millisecond),
		orchestrator.WithClientFactory(func(url string) transport.WorkerClient {
			return okWorker{}
		}),
	)
	t.Cleanup(orch.Shutdown)

	srv := NewServer(Config{
		Addr:         ":0",
		Orchestrator: orch,
		Bus:          bus,
		Gatherer:     reg,
	})
	return &testEnv{server: srv, orch: orch, bus: bus, reg: reg}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestCreatePlanEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/plans", testManifestYAML)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var plan models.ExecutionPlan
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.TotalFeatures != 3 || len(plan.Batches) != 2 {
		t.Errorf("plan = %d features in %d batches, want 3 in 2", plan.TotalFeatures, len(plan.Batches))
	}
}

func TestCreatePlanEndpoint_InvalidManifest(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/plans", "features: []")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Error.Code != "INVALID_MANIFEST" {
		t.Errorf("error code = %s", errResp.Error.Code)
	}
}

func TestRunSessionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/sessions", testManifestYAML)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "completed" || resp.Completed != 3 || resp.Failed != 0 {
		t.Errorf("response = %+v, want completed 3/0", resp)
	}
	if resp.SessionID == "" {
		t.Error("missing session id")
	}
}

func TestSessionHistoryWithoutStore(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/api/v1/sessions",
		"/api/v1/sessions/abc",
		"/api/v1/sessions/abc/plan",
		"/api/v1/sessions/abc/outcomes",
	} {
		rec := env.do(http.MethodGet, path, "")
		if rec.Code != http.StatusNotImplemented {
			t.Errorf("%s status = %d, want 501", path, rec.Code)
		}
	}
}

func TestQueueEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/queue/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	if rec := env.do(http.MethodGet, "/api/v1/queue/tasks/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/v1/queue/tasks/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown task status = %d, want 404", rec.Code)
	}

	task, _, err := env.orch.Queue().Enqueue(models.TaskTypeToolCall, models.TaskPayload{Name: "t"}, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec = env.do(http.MethodGet, "/api/v1/queue/tasks/"+task.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get task status = %d", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/v1/queue/tasks/"+task.ID, ""); rec.Code != http.StatusOK {
		t.Errorf("cancel pending task status = %d, want 200", rec.Code)
	}
	// Cancelling again hits a terminal task.
	if rec := env.do(http.MethodDelete, "/api/v1/queue/tasks/"+task.ID, ""); rec.Code != http.StatusConflict {
		t.Errorf("re-cancel status = %d, want 409", rec.Code)
	}
}

func TestServerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if err := env.orch.Pool().AddServer(context.Background(), "s1", "http://127.0.0.1:9001", okWorker{}, 0); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	rec := env.do(http.MethodGet, "/api/v1/servers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var body struct {
		Servers []map[string]any `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(body.Servers) != 1 {
		t.Fatalf("got %d servers, want 1", len(body.Servers))
	}

	if rec := env.do(http.MethodGet, "/api/v1/servers/stats", ""); rec.Code != http.StatusOK {
		t.Errorf("stats status = %d", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/v1/servers/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("remove unknown status = %d, want 404", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/v1/servers/s1", ""); rec.Code != http.StatusOK {
		t.Errorf("remove status = %d, want 200", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(http.MethodPost, "/api/v1/sessions", testManifestYAML); rec.Code != http.StatusOK {
		t.Fatalf("session run status = %d", rec.Code)
	}

	rec := env.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "foreman_tasks_executed_total") {
		t.Error("metrics output missing task execution counter")
	}
	// Running a session registers servers and dispatches tasks, so the
	// pool gauges must carry samples too.
	if !strings.Contains(body, `foreman_servers{status="online"}`) {
		t.Error("metrics output missing server status gauge")
	}
	if !strings.Contains(body, "foreman_server_active_tasks") {
		t.Error("metrics output missing per-server task gauge")
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/ws?topic=" + events.TopicQueue
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	// The handler subscribes after the upgrade completes; publish until
	// a frame arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		event := events.Event{ID: "evt-1", Type: events.TypeTaskQueued, Timestamp: time.Now()}
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				_ = env.bus.Publish(context.Background(), events.TopicQueue, event)
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame streamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Topic != events.TopicQueue {
		t.Errorf("frame topic = %s, want %s", frame.Topic, events.TopicQueue)
	}
	if frame.Event.Type != events.TypeTaskQueued {
		t.Errorf("frame event type = %s, want %s", frame.Event.Type, events.TypeTaskQueued)
	}
}
