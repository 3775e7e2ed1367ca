package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Worker protocol methods.
const (
	MethodPing         = "ping"
	MethodListAgents   = "agents/list"
	MethodCallTool     = "tools/call"
	MethodReadResource = "resources/read"
	MethodNotifyStatus = "status/notify"
)

// WorkerClient is the connection to one remote worker process. Implementations
// wrap one of the transport bindings; the pool and queue only see this
// interface.
type WorkerClient interface {
	// Connect opens the connection.
	Connect(ctx context.Context) error
	// Close tears the connection down.
	Close() error
	// Ping performs one reachability probe.
	Ping(ctx context.Context) error
	// ListAgentTypes enumerates the agent types the worker accepts.
	ListAgentTypes(ctx context.Context) ([]string, error)
	// CallTool invokes a named tool with structured arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	// ReadResource reads a named resource.
	ReadResource(ctx context.Context, uri string) (json.RawMessage, error)
}

// HTTPWorkerClient speaks the request/response binding: one POST per
// envelope against the worker's /rpc path, with a per-request timeout.
type HTTPWorkerClient struct {
	url     string
	timeout time.Duration
	httpc   *http.Client
	logger  *zap.Logger

	nextID    atomic.Int64
	mu        sync.Mutex
	connected bool
}

// HTTPWorkerClientOption configures an HTTPWorkerClient.
type HTTPWorkerClientOption func(*HTTPWorkerClient)

// WithRequestTimeout overrides the default per-request timeout.
func WithRequestTimeout(d time.Duration) HTTPWorkerClientOption {
	return func(c *HTTPWorkerClient) { c.timeout = d }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *zap.Logger) HTTPWorkerClientOption {
	return func(c *HTTPWorkerClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewHTTPWorkerClient creates a client for the worker at url.
func NewHTTPWorkerClient(url string, opts ...HTTPWorkerClientOption) *HTTPWorkerClient {
	c := &HTTPWorkerClient{
		url:     url,
		timeout: 30 * time.Second,
		httpc:   &http.Client{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect verifies the worker is reachable.
func (c *HTTPWorkerClient) Connect(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Close marks the client disconnected. The binding holds no persistent
// connection to tear down.
func (c *HTTPWorkerClient) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// Ping performs one reachability probe.
func (c *HTTPWorkerClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, MethodPing, nil)
	return err
}

// ListAgentTypes enumerates the worker's accepted agent types.
func (c *HTTPWorkerClient) ListAgentTypes(ctx context.Context) ([]string, error) {
	result, err := c.call(ctx, MethodListAgents, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		AgentTypes []string `json:"agent_types"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decode agent types: %w", err)
	}
	return out.AgentTypes, nil
}

// CallTool invokes a named tool on the worker.
func (c *HTTPWorkerClient) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return c.call(ctx, MethodCallTool, map[string]any{
		"name":      name,
		"arguments": args,
	})
}

// ReadResource reads a named resource from the worker.
func (c *HTTPWorkerClient) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return c.call(ctx, MethodReadResource, map[string]any{"uri": uri})
}

// call executes one request/response round trip.
func (c *HTTPWorkerClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, err := NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+HTTPRPCPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}

	msg, err := Decode(respBody)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	return msg.Result, nil
}

var _ WorkerClient = (*HTTPWorkerClient)(nil)
