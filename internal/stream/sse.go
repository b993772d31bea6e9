// Package stream carries turn events from the orchestrator to HTTP clients.
// It provides the Server-Sent Events encoding and a bounded buffer between
// the producing turn and the consuming connection.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tickerchat/tickerchat/internal/agent"
)

// SSEWriter encodes stream events as Server-Sent Events frames.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter prepares w for SSE streaming and sets the response headers.
// The headers are written on the first event, so callers can still return a
// plain error status before any event is sent.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flusher interface")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// eventFrame is the JSON payload of one SSE frame.
type eventFrame struct {
	Type     agent.EventType `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	ToolCall *toolCallFrame  `json:"tool_call,omitempty"`
	Position int             `json:"position,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type toolCallFrame struct {
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	FromCache bool            `json:"from_cache,omitempty"`
}

// WriteEvent encodes one stream event as an SSE frame and flushes it.
func (w *SSEWriter) WriteEvent(ev agent.StreamEvent) error {
	frame := eventFrame{
		Type:     ev.Type,
		Delta:    ev.Delta,
		Position: ev.Position,
	}
	if ev.Err != "" {
		frame.Error = ev.Err
	}
	if ev.ToolCall != nil {
		tc := ev.ToolCall
		frame.ToolCall = &toolCallFrame{
			Name:      tc.Name,
			Args:      tc.Args,
			Status:    string(tc.Status),
			Result:    tc.Result,
			Error:     tc.Error,
			FromCache: tc.FromCache,
		}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.writeFrame(string(ev.Type), string(data))
}

// writeFrame writes one SSE frame. Each data line carries the "data: "
// prefix per the SSE wire format; the payload here is single-line JSON but
// the split keeps the writer correct if that ever changes.
func (w *SSEWriter) writeFrame(event, data string) error {
	if _, err := fmt.Fprintf(w.w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write event name: %w", err)
	}
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w.w, "data: %s\n", line); err != nil {
			return fmt.Errorf("write data line: %w", err)
		}
	}
	if _, err := io.WriteString(w.w, "\n"); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	w.flusher.Flush()
	return nil
}
