// Package transport implements the JSON-RPC-style message contract shared by
// all worker connections, with three interchangeable bindings: a duplex
// byte-stream binding (newline-delimited JSON), a server-push binding (SSE),
// and a plain request/response binding (one HTTP POST per message).
package transport

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the wire protocol version carried by every message.
const ProtocolVersion = "2.0"

// Standard error codes, plus the domain-specific range below -32000.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerUnavailable indicates no healthy worker could take the call.
	CodeServerUnavailable = -32000
	// CodeTaskFailed indicates a dispatched task failed on the worker.
	CodeTaskFailed = -32001
	// CodeTimeout indicates the request exceeded its deadline.
	CodeTimeout = -32002
)

// RPCError is the structured error carried in a response envelope.
type RPCError struct {
	// Code is a negative integer error code.
	Code int `json:"code"`
	// Message is a short description of the error.
	Message string `json:"message"`
	// Data carries optional structured detail.
	Data any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Message is the request/response/notification envelope. A request carries
// ID and Method; a notification carries Method without ID; a response carries
// ID with either Result or Error.
type Message struct {
	// Version is the protocol version; always ProtocolVersion on the wire.
	Version string `json:"jsonrpc"`
	// ID correlates requests and responses. Absent for notifications.
	ID *int64 `json:"id,omitempty"`
	// Method names the operation for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params carries structured request parameters.
	Params json.RawMessage `json:"params,omitempty"`
	// Result carries the response payload on success.
	Result json.RawMessage `json:"result,omitempty"`
	// Error carries the structured failure on error responses.
	Error *RPCError `json:"error,omitempty"`
}

// NewRequest builds a request envelope. Params are marshaled immediately so
// encoding failures surface at call sites, not in transport write loops.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Version: ProtocolVersion, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification envelope (no ID, no response expected).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Version: ProtocolVersion, Method: method, Params: raw}, nil
}

// NewResponse builds a success response for the given request ID.
func NewResponse(id int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{Version: ProtocolVersion, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request ID.
func NewErrorResponse(id int64, code int, message string, data any) *Message {
	return &Message{
		Version: ProtocolVersion,
		ID:      &id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// IsNotification returns true when the message expects no response.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse returns true when the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Validate checks the envelope's structural invariants.
func (m *Message) Validate() error {
	if m.Version != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %q", m.Version)
	}
	if m.Method == "" && m.Result == nil && m.Error == nil {
		return fmt.Errorf("message has neither method nor result nor error")
	}
	return nil
}

// Decode parses and validates one wire frame.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
