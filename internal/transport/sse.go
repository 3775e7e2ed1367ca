package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// SSEEventsPath is the path a client opens to receive the push channel.
	SSEEventsPath = "/events"
	// SSEMessagesPath is the path a client POSTs envelopes to.
	SSEMessagesPath = "/messages"
)

// sseConn is one live push channel.
type sseConn struct {
	ch     chan *Message
	cancel context.CancelFunc
}

// SSETransport is the server-push binding: one long-lived push channel per
// connection (Server-Sent Events framing, `data: <json>\n\n`) plus a separate
// request path for client-to-server messages. Responses are correlated to
// connections by the connection pool, never by the POST response body.
type SSETransport struct {
	addr   string
	logger *zap.Logger

	mu       sync.Mutex
	handler  Handler
	conns    map[string]*sseConn
	server   *http.Server
	listener net.Listener
	started  bool
	stopped  bool
}

// NewSSETransport creates a server-push transport listening on addr.
func NewSSETransport(addr string, logger *zap.Logger) *SSETransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSETransport{
		addr:   addr,
		logger: logger,
		conns:  make(map[string]*sseConn),
	}
}

// SetHandler registers the incoming-message handler.
func (t *SSETransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start begins serving the push and message paths.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(SSEEventsPath, t.handleEvents)
	router.POST(SSEMessagesPath, t.handleMessage)
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
			t.logger.Error("sse server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when addr used port 0.
func (t *SSETransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.addr
	}
	return t.listener.Addr().String()
}

// Stop shuts the server down and closes every push channel.
func (t *SSETransport) Stop() error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return ErrNotStarted
	}
	t.stopped = true
	server := t.server
	conns := t.conns
	t.conns = make(map[string]*sseConn)
	t.mu.Unlock()

	for _, conn := range conns {
		conn.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// handleEvents upgrades the request into a push channel and streams frames.
func (t *SSETransport) handleEvents(c *gin.Context) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(c.Request.Context())
	conn := &sseConn{ch: make(chan *Message, 16), cancel: cancel}

	t.mu.Lock()
	t.conns[connID] = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.conns, connID)
		t.mu.Unlock()
		cancel()
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// The first frame hands the client its connection id.
	fmt.Fprintf(c.Writer, "data: {\"type\":\"connected\",\"connectionId\":%q}\n\n", connID)
	c.Writer.Flush()

	t.logger.Debug("sse connection established", zap.String("connection_id", connID))

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-conn.ch:
			data, err := json.Marshal(msg)
			if err != nil {
				t.logger.Error("marshal push frame failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			c.Writer.Flush()
		}
	}
}

// handleMessage accepts one client-to-server envelope. The POST response
// only acknowledges receipt; any reply travels over the push channel.
func (t *SSETransport) handleMessage(c *gin.Context) {
	connID := c.Query("connection_id")

	t.mu.Lock()
	_, known := t.conns[connID]
	handler := t.handler
	t.mu.Unlock()

	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeParseError, "unreadable body"))
		return
	}
	msg, err := Decode(body)
	if err != nil {
		// Reject the frame; the push channel stays open.
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidRequest, err.Error()))
		return
	}

	if handler != nil {
		handler(c.Request.Context(), connID, msg)
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// Send queues one envelope on a connection's push channel.
func (t *SSETransport) Send(connID string, msg *Message) error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return ErrNotStarted
	}
	conn, ok := t.conns[connID]
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	select {
	case conn.ch <- msg:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("push channel full for connection %s", connID)
	}
}

// SendResponse queues a success response on the push channel.
func (t *SSETransport) SendResponse(connID string, id int64, result any) error {
	msg, err := NewResponse(id, result)
	if err != nil {
		return err
	}
	return t.Send(connID, msg)
}

// SendError queues an error response on the push channel.
func (t *SSETransport) SendError(connID string, id int64, code int, message string, data any) error {
	return t.Send(connID, NewErrorResponse(id, code, message, data))
}

// SendNotification queues a notification on the push channel.
func (t *SSETransport) SendNotification(connID string, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.Send(connID, msg)
}

// errorBody builds the structured error body shared by the HTTP bindings.
func errorBody(code int, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

var _ Transport = (*SSETransport)(nil)
