package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
)

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// ToolCallIntent is the model's request to invoke a tool.
type ToolCallIntent struct {
	Name string
	Args json.RawMessage
}

// ModelRequest carries the full conversation context for one generation call.
type ModelRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// ModelResult is the outcome of one generation call: either final text
// (Intent nil) or a tool-call intent. Text may be non-empty alongside an
// intent when the model produced prose before deciding to call a tool.
type ModelResult struct {
	Text   string
	Intent *ToolCallIntent
}

// StreamCallback receives text deltas as they are generated. Returning an
// error aborts the stream.
type StreamCallback func(ctx context.Context, delta string) error

// ModelClient is the generation backend contract. Implementations must be
// safe for concurrent use, must honor context cancellation mid-stream, and
// must wrap retryable failures with ErrModelTransient.
type ModelClient interface {
	Generate(ctx context.Context, req ModelRequest, cb StreamCallback) (*ModelResult, error)
}

// Store is the conversation state contract the orchestrator depends on.
// The store owns the append-only message log; the orchestrator holds only a
// working copy for the duration of one turn.
//
// Implementations must serialize appends per conversation but need no
// cross-conversation serialization.
type Store interface {
	// LoadHistory returns the conversation's messages in sequence order.
	LoadHistory(ctx context.Context, conversationID uuid.UUID) ([]Message, error)

	// Append atomically commits a batch of messages and returns the committed
	// position (sequence of the last message).
	Append(ctx context.Context, conversationID uuid.UUID, msgs []Message) (int, error)

	// TryAcquireTurnLock attempts to claim the conversation's single turn
	// slot. Returns false without error when another turn is in flight.
	TryAcquireTurnLock(ctx context.Context, conversationID uuid.UUID) (bool, error)

	// ReleaseTurnLock releases the slot claimed by TryAcquireTurnLock.
	ReleaseTurnLock(ctx context.Context, conversationID uuid.UUID) error
}

// ToolDispatcher executes named tools with validation and a bounded timeout.
// Invoke never returns an error: every failure mode is encoded in the
// returned ToolCall so the orchestrator can fold it back into the
// conversation for the model to react to.
type ToolDispatcher interface {
	Definitions() []ToolDefinition
	Invoke(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) ToolCall
}

// EventSink consumes the orchestrator's typed event stream. Emit returns an
// error when the consumer cannot keep up (ErrSlowConsumer) or has gone away;
// the orchestrator treats that as turn cancellation.
type EventSink interface {
	Emit(ctx context.Context, ev StreamEvent) error
}

// sinkFunc adapts a function to the EventSink interface.
type sinkFunc func(ctx context.Context, ev StreamEvent) error

func (f sinkFunc) Emit(ctx context.Context, ev StreamEvent) error { return f(ctx, ev) }

// DiscardSink ignores all events. Useful for non-streaming callers.
var DiscardSink EventSink = sinkFunc(func(context.Context, StreamEvent) error { return nil })
