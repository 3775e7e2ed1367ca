package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPRPCPath is the single request/response endpoint.
const HTTPRPCPath = "/rpc"

// defaultResponseTimeout bounds how long a POST waits for its reply envelope.
const defaultResponseTimeout = 30 * time.Second

// HTTPTransport is the request/response binding: one connection per request,
// no server push. Each POST carries one envelope; the HTTP response body is
// the matching reply envelope. Malformed JSON or a wrong protocol version
// yields 400 with a structured error body; unknown paths yield 404.
type HTTPTransport struct {
	addr            string
	logger          *zap.Logger
	responseTimeout time.Duration

	mu       sync.Mutex
	handler  Handler
	pending  map[string]chan *Message
	server   *http.Server
	listener net.Listener
	started  bool
	stopped  bool
}

// NewHTTPTransport creates a request/response transport listening on addr.
func NewHTTPTransport(addr string, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		addr:            addr,
		logger:          logger,
		responseTimeout: defaultResponseTimeout,
		pending:         make(map[string]chan *Message),
	}
}

// SetHandler registers the incoming-message handler.
func (t *HTTPTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start begins serving the RPC path.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST(HTTPRPCPath, t.handleRPC)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		t.started = false
		return fmt.Errorf("listen %s: %w", t.addr, err)
	}
	t.listener = listener
	t.server = &http.Server{Handler: router}
	go func() {
		if err := t.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.logger.Error("http transport stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when addr used port 0.
func (t *HTTPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.addr
	}
	return t.listener.Addr().String()
}

// Stop shuts the server down.
func (t *HTTPTransport) Stop() error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return ErrNotStarted
	}
	t.stopped = true
	server := t.server
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// handleRPC decodes one envelope, hands it to the handler, and writes the
// reply envelope the handler routes back for the same request.
func (t *HTTPTransport) handleRPC(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeParseError, "unreadable body"))
		return
	}

	msg, err := Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidRequest, err.Error()))
		return
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		c.JSON(http.StatusInternalServerError, errorBody(CodeInternalError, "no handler registered"))
		return
	}

	// Notifications are accepted without a reply envelope.
	if msg.IsNotification() {
		handler(c.Request.Context(), "", msg)
		c.Status(http.StatusAccepted)
		return
	}

	// A per-request connection id correlates the handler's reply with this
	// in-flight request; the binding holds no longer-lived connections.
	connID := uuid.New().String()
	replyCh := make(chan *Message, 1)
	t.mu.Lock()
	t.pending[connID] = replyCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, connID)
		t.mu.Unlock()
	}()

	handler(c.Request.Context(), connID, msg)

	select {
	case reply := <-replyCh:
		c.JSON(http.StatusOK, reply)
	case <-time.After(t.responseTimeout):
		c.JSON(http.StatusGatewayTimeout, errorBody(CodeTimeout, "no reply produced in time"))
	case <-c.Request.Context().Done():
	}
}

// Send routes a reply envelope to the in-flight request identified by connID.
func (t *HTTPTransport) Send(connID string, msg *Message) error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return ErrNotStarted
	}
	ch, ok := t.pending[connID]
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("reply already sent for connection %s", connID)
	}
}

// SendResponse routes a success reply to an in-flight request.
func (t *HTTPTransport) SendResponse(connID string, id int64, result any) error {
	msg, err := NewResponse(id, result)
	if err != nil {
		return err
	}
	return t.Send(connID, msg)
}

// SendError routes an error reply to an in-flight request.
func (t *HTTPTransport) SendError(connID string, id int64, code int, message string, data any) error {
	return t.Send(connID, NewErrorResponse(id, code, message, data))
}

// SendNotification is unsupported by this binding: there is no push channel.
func (t *HTTPTransport) SendNotification(connID string, method string, params any) error {
	return fmt.Errorf("request/response binding cannot push notifications")
}

var _ Transport = (*HTTPTransport)(nil)
