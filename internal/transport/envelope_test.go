package transport

import (
	"encoding/json"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, false},
		{"notification", `{"jsonrpc":"2.0","method":"status/notify","params":{}}`, false},
		{"response", `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, false},
		{"error response", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`, false},
		{"malformed json", `{"jsonrpc":"2.0",`, true},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, true},
		{"missing version", `{"id":1,"method":"ping"}`, true},
		{"empty envelope", `{"jsonrpc":"2.0"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessage_Kinds(t *testing.T) {
	req, err := NewRequest(7, "tools/call", map[string]any{"name": "build"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.IsNotification() || req.IsResponse() {
		t.Error("request misclassified")
	}
	if *req.ID != 7 || req.Method != "tools/call" {
		t.Errorf("request fields wrong: %+v", req)
	}

	note, err := NewNotification("status/notify", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if !note.IsNotification() {
		t.Error("notification misclassified")
	}

	resp, err := NewResponse(7, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if !resp.IsResponse() {
		t.Error("response misclassified")
	}

	errResp := NewErrorResponse(7, CodeMethodNotFound, "method not found", nil)
	if !errResp.IsResponse() {
		t.Error("error response misclassified")
	}
	if errResp.Error.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", errResp.Error.Code, CodeMethodNotFound)
	}
}

func TestMessage_RoundTrip(t *testing.T) {
	req, err := NewRequest(1, "resources/read", map[string]any{"uri": "features://status"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Method != req.Method || *got.ID != *req.ID {
		t.Errorf("round trip mismatch: %+v vs %+v", got, req)
	}
}

func TestRPCError_Error(t *testing.T) {
	err := &RPCError{Code: CodeTaskFailed, Message: "boom"}
	want := "rpc error -32001: boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
