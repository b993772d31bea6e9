package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tickerchat/tickerchat/internal/agent"
)

func TestSSEWriterHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	if _, err := NewSSEWriter(rec); err != nil {
		t.Fatalf("NewSSEWriter() error = %v", err)
	}

	want := map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"X-Accel-Buffering": "no",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
}

func TestSSEWriterWriteEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter() error = %v", err)
	}

	ev := agent.StreamEvent{
		Type:  agent.EventToolCallResult,
		ToolCall: &agent.ToolCall{
			Name:   "get_quote",
			Status: agent.ToolCallSucceeded,
			Result: json.RawMessage(`{"price":187.42}`),
		},
	}
	if err := w.WriteEvent(ev); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: tool_call_result\n") {
		t.Errorf("frame = %q, want event name line first", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("frame = %q, want blank-line terminator", body)
	}
	if !rec.Flushed {
		t.Error("WriteEvent() did not flush")
	}

	dataLine := ""
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	var frame struct {
		Type     string `json:"type"`
		ToolCall struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"tool_call"`
	}
	if err := json.Unmarshal([]byte(dataLine), &frame); err != nil {
		t.Fatalf("unmarshal frame data %q: %v", dataLine, err)
	}
	if frame.Type != "tool_call_result" || frame.ToolCall.Name != "get_quote" || frame.ToolCall.Status != "succeeded" {
		t.Errorf("frame data = %+v, want tool_call_result for get_quote", frame)
	}
}

func TestSSEWriterTerminalEvents(t *testing.T) {
	tests := []struct {
		name string
		ev   agent.StreamEvent
		want string
	}{
		{
			name: "turn complete carries position",
			ev:   agent.StreamEvent{Type: agent.EventTurnComplete, Position: 7},
			want: `"position":7`,
		},
		{
			name: "error carries description",
			ev:   agent.StreamEvent{Type: agent.EventError, Err: "model unavailable"},
			want: `"error":"model unavailable"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			w, err := NewSSEWriter(rec)
			if err != nil {
				t.Fatalf("NewSSEWriter() error = %v", err)
			}
			if err := w.WriteEvent(tt.ev); err != nil {
				t.Fatalf("WriteEvent() error = %v", err)
			}
			if body := rec.Body.String(); !strings.Contains(body, tt.want) {
				t.Errorf("frame = %q, want substring %q", body, tt.want)
			}
		})
	}
}
