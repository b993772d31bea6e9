package agent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

// Valid message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message statuses. A message is written once and never mutated; the status
// records how the turn that produced it ended.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Message is a single entry in a conversation's append-only log.
// Content is immutable once persisted, and Sequence is strictly increasing
// within a conversation.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversationId"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	ToolName       string          `json:"toolName,omitempty"`
	ToolArgs       json.RawMessage `json:"toolArgs,omitempty"`
	ToolResult     json.RawMessage `json:"toolResult,omitempty"`
	Status         string          `json:"status"`
	Sequence       int             `json:"sequence"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// NewUserMessage builds a user message for the given conversation.
func NewUserMessage(conversationID uuid.UUID, content string) Message {
	return Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		Status:         StatusCompleted,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewAssistantMessage builds an assistant message with the given status.
func NewAssistantMessage(conversationID uuid.UUID, content, status string) Message {
	return Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Content:        content,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewToolMessage folds a finished tool call into a tool-role message.
// Failed calls carry the error description as content so the model can react
// to it on the next round.
func NewToolMessage(conversationID uuid.UUID, call ToolCall) Message {
	msg := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           RoleTool,
		ToolName:       call.Name,
		ToolArgs:       call.Args,
		ToolResult:     call.Result,
		Status:         StatusCompleted,
		CreatedAt:      time.Now().UTC(),
	}
	if call.Status != ToolCallSucceeded {
		msg.Content = call.Error
	}
	return msg
}

// ToolCallStatus is the lifecycle state of a single tool invocation.
type ToolCallStatus string

// Tool call statuses.
const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallTimedOut  ToolCallStatus = "timed_out"
)

// ToolCall is the ephemeral record of one tool invocation within a turn.
// It is never persisted on its own; on completion it is folded into a
// tool-role Message via NewToolMessage.
type ToolCall struct {
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    ToolCallStatus  `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	FromCache bool            `json:"fromCache,omitempty"`
	Duration  time.Duration   `json:"-"`
}

// EventType enumerates the stream event variants.
type EventType string

// Stream event types. Every turn's event sequence is terminated by exactly
// one of EventTurnComplete, EventError, or EventCancelled.
const (
	EventTokenDelta      EventType = "token_delta"
	EventToolCallStarted EventType = "tool_call_started"
	EventToolCallResult  EventType = "tool_call_result"
	EventTurnComplete    EventType = "turn_complete"
	EventError           EventType = "error"
	EventCancelled       EventType = "cancelled"
)

// Terminal reports whether t ends a turn's event stream.
func (t EventType) Terminal() bool {
	return t == EventTurnComplete || t == EventError || t == EventCancelled
}

// StreamEvent is produced by the Orchestrator and consumed by the streaming
// transport. Events exist only for the duration of one turn.
type StreamEvent struct {
	Type     EventType `json:"type"`
	Delta    string    `json:"delta,omitempty"`
	ToolCall *ToolCall `json:"toolCall,omitempty"`
	// Position is the committed store position, set on turn_complete.
	Position int    `json:"position,omitempty"`
	Err      string `json:"error,omitempty"`
}
