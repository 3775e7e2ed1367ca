package transport

import (
	"context"
	"errors"
)

// ErrAlreadyStarted indicates Start was called on a running transport.
var ErrAlreadyStarted = errors.New("transport already started")

// ErrNotStarted indicates an operation that requires a running transport.
var ErrNotStarted = errors.New("transport not started")

// ErrUnknownConnection indicates a send targeted a connection the transport
// does not hold.
var ErrUnknownConnection = errors.New("unknown connection")

// Handler processes one incoming message. connID identifies the originating
// connection so responses can be routed back; the duplex byte-stream binding
// has a single implicit connection.
type Handler func(ctx context.Context, connID string, msg *Message)

// Transport is the binding-independent message channel. All three bindings
// implement it; dispatch logic lives with the caller, never in a binding.
type Transport interface {
	// Start begins accepting messages. Starting twice fails with
	// ErrAlreadyStarted.
	Start(ctx context.Context) error
	// Stop shuts the transport down and releases its connections.
	Stop() error
	// Send writes a raw envelope to the given connection.
	Send(connID string, msg *Message) error
	// SendResponse writes a success response for a request ID.
	SendResponse(connID string, id int64, result any) error
	// SendError writes an error response for a request ID.
	SendError(connID string, id int64, code int, message string, data any) error
	// SendNotification writes a notification (no response expected).
	SendNotification(connID string, method string, params any) error
	// SetHandler registers the incoming-message handler. Must be called
	// before Start.
	SetHandler(h Handler)
}
