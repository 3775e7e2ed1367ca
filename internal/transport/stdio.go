package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"
)

// StdioConnID is the single implicit connection of a duplex stream binding.
const StdioConnID = "stdio"

// maxFrameSize bounds a single newline-delimited frame.
const maxFrameSize = 4 * 1024 * 1024

// StdioTransport is the duplex byte-stream binding: each message is one JSON
// object terminated by a newline, read from one stream and written to the
// other. The reader buffers partial frames across reads; malformed frames
// are logged and skipped without closing the stream.
type StdioTransport struct {
	in     io.Reader
	out    io.Writer
	logger *zap.Logger

	mu      sync.Mutex
	handler Handler
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStdioTransport creates a duplex stream transport over the given reader
// and writer, typically os.Stdin and os.Stdout.
func NewStdioTransport(in io.Reader, out io.Writer, logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{in: in, out: out, logger: logger}
}

// SetHandler registers the incoming-message handler.
func (t *StdioTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start launches the read loop. A second Start fails with ErrAlreadyStarted.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(ctx)
	return nil
}

// Stop terminates the read loop. Safe to call once after Start.
func (t *StdioTransport) Stop() error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return ErrNotStarted
	}
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	t.wg.Wait()
	return nil
}

func (t *StdioTransport) readLoop(ctx context.Context) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := Decode(line)
		if err != nil {
			// A bad frame never tears down the stream.
			t.logger.Warn("rejecting malformed frame", zap.Error(err))
			continue
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(ctx, StdioConnID, msg)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.logger.Error("stdio read loop ended", zap.Error(err))
	}
}

// Send writes one envelope as a newline-terminated JSON frame.
func (t *StdioTransport) Send(connID string, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.stopped {
		return ErrNotStarted
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = t.out.Write(data)
	return err
}

// SendResponse writes a success response frame.
func (t *StdioTransport) SendResponse(connID string, id int64, result any) error {
	msg, err := NewResponse(id, result)
	if err != nil {
		return err
	}
	return t.Send(connID, msg)
}

// SendError writes an error response frame.
func (t *StdioTransport) SendError(connID string, id int64, code int, message string, data any) error {
	return t.Send(connID, NewErrorResponse(id, code, message, data))
}

// SendNotification writes a notification frame.
func (t *StdioTransport) SendNotification(connID string, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.Send(connID, msg)
}

var _ Transport = (*StdioTransport)(nil)
