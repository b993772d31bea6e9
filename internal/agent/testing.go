package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ScriptedStep configures one model turn in a scripted sequence.
type ScriptedStep struct {
	Deltas []string        // streamed before the result
	Intent *ToolCallIntent // nil = final text answer
	Err    error           // returned instead of a result
}

// ScriptedModel is a deterministic ModelClient for tests. Each Generate call
// consumes the next step; when Loop is set the last step repeats forever.
type ScriptedModel struct {
	Loop bool

	mu       sync.Mutex
	index    int
	steps    []ScriptedStep
	requests []ModelRequest
}

// NewScriptedModel creates a scripted model from the given steps.
func NewScriptedModel(steps ...ScriptedStep) *ScriptedModel {
	return &ScriptedModel{steps: append([]ScriptedStep(nil), steps...)}
}

var _ ModelClient = (*ScriptedModel)(nil)

// Generate plays the next scripted step.
func (m *ScriptedModel) Generate(ctx context.Context, req ModelRequest, cb StreamCallback) (*ModelResult, error) {
	m.mu.Lock()
	if m.index >= len(m.steps) && !m.Loop {
		step := m.index
		m.mu.Unlock()
		return nil, fmt.Errorf("script exhausted at call %d", step+1)
	}
	idx := min(m.index, len(m.steps)-1)
	step := m.steps[idx]
	m.index++
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}
	for _, d := range step.Deltas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cb != nil {
			if err := cb(ctx, d); err != nil {
				return nil, err
			}
		}
	}
	return &ModelResult{Text: strings.Join(step.Deltas, ""), Intent: step.Intent}, nil
}

// Calls returns how many times Generate was invoked.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// Requests returns the captured model requests in call order.
func (m *ScriptedModel) Requests() []ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ModelRequest(nil), m.requests...)
}

// StubDispatcher is a ToolDispatcher for tests, backed by a function.
type StubDispatcher struct {
	Defs     []ToolDefinition
	InvokeFn func(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) ToolCall
}

var _ ToolDispatcher = (*StubDispatcher)(nil)

// Definitions returns the stubbed tool definitions.
func (d *StubDispatcher) Definitions() []ToolDefinition { return d.Defs }

// Invoke delegates to InvokeFn, or fails the call when none is set.
func (d *StubDispatcher) Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) ToolCall {
	if d.InvokeFn == nil {
		return ToolCall{Name: name, Args: args, Status: ToolCallFailed, Error: "no InvokeFn configured"}
	}
	return d.InvokeFn(ctx, name, args, timeout)
}

// CollectSink records emitted events for assertions. Safe for concurrent use.
type CollectSink struct {
	// FailAfter makes Emit return ErrSlowConsumer once this many events have
	// been accepted. Zero means never fail.
	FailAfter int

	mu     sync.Mutex
	events []StreamEvent
}

var _ EventSink = (*CollectSink)(nil)

// Emit records ev.
func (s *CollectSink) Emit(_ context.Context, ev StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAfter > 0 && len(s.events) >= s.FailAfter {
		return ErrSlowConsumer
	}
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (s *CollectSink) Events() []StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamEvent(nil), s.events...)
}

// Types returns the recorded event types in emission order.
func (s *CollectSink) Types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]EventType, len(s.events))
	for i, ev := range s.events {
		types[i] = ev.Type
	}
	return types
}
