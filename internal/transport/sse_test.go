package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
)

// readFrame reads one "data: ..." SSE frame and returns its payload.
func readFrame(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("unexpected frame line %q", line)
		}
		return []byte(strings.TrimPrefix(line, "data: "))
	}
}

func TestSSETransport_PushAndReceive(t *testing.T) {
	tr := NewSSETransport("127.0.0.1:0", nil)
	tr.SetHandler(func(_ context.Context, connID string, msg *Message) {
		if !msg.IsNotification() {
			_ = tr.SendResponse(connID, *msg.ID, map[string]any{"echo": msg.Method})
		}
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop()

	resp, err := http.Get("http://" + tr.Addr() + SSEEventsPath)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// First frame carries the connection id.
	var hello struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(readFrame(t, reader), &hello); err != nil {
		t.Fatalf("decode hello frame: %v", err)
	}
	if hello.Type != "connected" || hello.ConnectionID == "" {
		t.Fatalf("hello frame = %+v", hello)
	}

	// Post a request and expect the reply on the push channel.
	url := "http://" + tr.Addr() + SSEMessagesPath + "?connection_id=" + hello.ConnectionID
	postResp, err := http.Post(url, "application/json",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)))
	if err != nil {
		t.Fatalf("POST message: %v", err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", postResp.StatusCode)
	}

	msg, err := Decode(readFrame(t, reader))
	if err != nil {
		t.Fatalf("decode push frame: %v", err)
	}
	if msg.ID == nil || *msg.ID != 7 || msg.Result == nil {
		t.Errorf("unexpected push envelope: %+v", msg)
	}
}

func TestSSETransport_MalformedFrameKeepsConnection(t *testing.T) {
	tr := NewSSETransport("127.0.0.1:0", nil)
	tr.SetHandler(func(_ context.Context, connID string, msg *Message) {
		if !msg.IsNotification() {
			_ = tr.SendResponse(connID, *msg.ID, map[string]any{})
		}
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop()

	resp, err := http.Get("http://" + tr.Addr() + SSEEventsPath)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	var hello struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.Unmarshal(readFrame(t, reader), &hello); err != nil {
		t.Fatalf("decode hello frame: %v", err)
	}

	url := "http://" + tr.Addr() + SSEMessagesPath + "?connection_id=" + hello.ConnectionID

	// Malformed frame is rejected without tearing the stream down.
	badResp, err := http.Post(url, "application/json", bytes.NewReader([]byte(`{"jsonrpc":`)))
	if err != nil {
		t.Fatalf("POST malformed: %v", err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed POST status = %d, want 400", badResp.StatusCode)
	}

	okResp, err := http.Post(url, "application/json",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	if err != nil {
		t.Fatalf("POST after malformed: %v", err)
	}
	okResp.Body.Close()
	if okResp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want 202", okResp.StatusCode)
	}
	if msg, err := Decode(readFrame(t, reader)); err != nil || msg.Result == nil {
		t.Errorf("push channel broken after malformed frame: %v", err)
	}
}

func TestSSETransport_UnknownConnection(t *testing.T) {
	tr := NewSSETransport("127.0.0.1:0", nil)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop()

	note, err := NewNotification("x", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if err := tr.Send("nope", note); err != ErrUnknownConnection {
		t.Errorf("Send error = %v, want ErrUnknownConnection", err)
	}

	resp, err := http.Post("http://"+tr.Addr()+SSEMessagesPath+"?connection_id=nope",
		"application/json", bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"ping"}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
