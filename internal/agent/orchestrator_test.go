package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/conversation"
	"github.com/tickerchat/tickerchat/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// modelClientFunc adapts a function to agent.ModelClient.
type modelClientFunc func(ctx context.Context, req agent.ModelRequest, cb agent.StreamCallback) (*agent.ModelResult, error)

func (f modelClientFunc) Generate(ctx context.Context, req agent.ModelRequest, cb agent.StreamCallback) (*agent.ModelResult, error) {
	return f(ctx, req, cb)
}

func newTestOrchestrator(t *testing.T, model agent.ModelClient, tools agent.ToolDispatcher, opts ...func(*agent.Config)) (*agent.Orchestrator, *conversation.MemoryStore) {
	t.Helper()
	store := conversation.NewMemoryStore()
	cfg := agent.Config{
		Model:  model,
		Tools:  tools,
		Store:  store,
		Logger: log.NewNop(),
		// Fast, retry-free failures unless a test opts back in.
		Retry: agent.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	o, err := agent.New(cfg)
	if err != nil {
		t.Fatalf("agent.New() error = %v", err)
	}
	return o, store
}

func TestRunTurnCompletes(t *testing.T) {
	model := agent.NewScriptedModel(agent.ScriptedStep{Deltas: []string{"Hello", " world"}})
	o, store := newTestOrchestrator(t, model, &agent.StubDispatcher{})

	convID := uuid.New()
	sink := &agent.CollectSink{}
	res, err := o.RunTurn(context.Background(), convID, "hi", sink)
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	if res.Position != 2 {
		t.Errorf("Position = %d, want 2", res.Position)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(res.Messages))
	}

	wantTypes := []agent.EventType{agent.EventTokenDelta, agent.EventTokenDelta, agent.EventTurnComplete}
	types := sink.Types()
	if len(types) != len(wantTypes) {
		t.Fatalf("event types = %v, want %v", types, wantTypes)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Fatalf("event types = %v, want %v", types, wantTypes)
		}
	}
	events := sink.Events()
	if last := events[len(events)-1]; last.Position != 2 {
		t.Errorf("turn_complete position = %d, want 2", last.Position)
	}

	history, err := store.LoadHistory(context.Background(), convID)
	if err != nil {
		t.Fatalf("LoadHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Role != agent.RoleUser || history[0].Content != "hi" || history[0].Sequence != 1 {
		t.Errorf("user message = %+v", history[0])
	}
	if history[1].Role != agent.RoleAssistant || history[1].Content != "Hello world" ||
		history[1].Status != agent.StatusCompleted || history[1].Sequence != 2 {
		t.Errorf("assistant message = %+v", history[1])
	}
}

func TestRunTurnToolRound(t *testing.T) {
	quote := json.RawMessage(`{"symbol":"AAPL","price":190.5,"currency":"USD"}`)
	model := agent.NewScriptedModel(
		agent.ScriptedStep{Intent: &agent.ToolCallIntent{Name: "get_quote", Args: json.RawMessage(`{"symbol":"AAPL"}`)}},
		agent.ScriptedStep{Deltas: []string{"AAPL trades at $190.50."}},
	)
	tools := &agent.StubDispatcher{
		InvokeFn: func(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) agent.ToolCall {
			return agent.ToolCall{Name: name, Args: args, Status: agent.ToolCallSucceeded, Result: quote}
		},
	}
	o, store := newTestOrchestrator(t, model, tools)

	convID := uuid.New()
	sink := &agent.CollectSink{}
	if _, err := o.RunTurn(context.Background(), convID, "how is AAPL doing?", sink); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	wantTypes := []agent.EventType{
		agent.EventToolCallStarted,
		agent.EventToolCallResult,
		agent.EventTokenDelta,
		agent.EventTurnComplete,
	}
	types := sink.Types()
	if len(types) != len(wantTypes) {
		t.Fatalf("event types = %v, want %v", types, wantTypes)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Fatalf("event types = %v, want %v", types, wantTypes)
		}
	}

	history, _ := store.LoadHistory(context.Background(), convID)
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3 (user, tool, assistant)", len(history))
	}
	toolMsg := history[1]
	if toolMsg.Role != agent.RoleTool || toolMsg.ToolName != "get_quote" || string(toolMsg.ToolResult) != string(quote) {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if string(toolMsg.ToolArgs) != `{"symbol":"AAPL"}` {
		t.Errorf("tool message args = %s, want original call arguments", toolMsg.ToolArgs)
	}

	// The resumed generation must see the tool result.
	reqs := model.Requests()
	if len(reqs) != 2 {
		t.Fatalf("model calls = %d, want 2", len(reqs))
	}
	resumed := reqs[1].Messages
	if resumed[len(resumed)-1].Role != agent.RoleTool {
		t.Errorf("last resumed message role = %s, want tool", resumed[len(resumed)-1].Role)
	}
}

func TestRunTurnFailedToolFoldedIntoHistory(t *testing.T) {
	model := agent.NewScriptedModel(
		agent.ScriptedStep{Intent: &agent.ToolCallIntent{Name: "get_quote", Args: json.RawMessage(`{"symbol":"AAPL"}`)}},
		agent.ScriptedStep{Deltas: []string{"I couldn't fetch the quote."}},
	)
	o, store := newTestOrchestrator(t, model, &agent.StubDispatcher{})

	convID := uuid.New()
	if _, err := o.RunTurn(context.Background(), convID, "quote AAPL", &agent.CollectSink{}); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	history, _ := store.LoadHistory(context.Background(), convID)
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	if history[1].Role != agent.RoleTool || history[1].Content == "" {
		t.Errorf("failed tool message should carry the error as content, got %+v", history[1])
	}
}

func TestRunTurnBoundedToolRounds(t *testing.T) {
	model := agent.NewScriptedModel(agent.ScriptedStep{
		Intent: &agent.ToolCallIntent{Name: "get_quote", Args: json.RawMessage(`{"symbol":"AAPL"}`)},
	})
	model.Loop = true

	var invokes atomic.Int32
	tools := &agent.StubDispatcher{
		InvokeFn: func(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) agent.ToolCall {
			invokes.Add(1)
			return agent.ToolCall{Name: name, Status: agent.ToolCallSucceeded, Result: json.RawMessage(`{}`)}
		},
	}
	o, store := newTestOrchestrator(t, model, tools, func(cfg *agent.Config) {
		cfg.MaxToolRounds = 2
	})

	convID := uuid.New()
	sink := &agent.CollectSink{}
	res, err := o.RunTurn(context.Background(), convID, "loop forever", sink)
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	if got := invokes.Load(); got != 2 {
		t.Errorf("tool invocations = %d, want 2", got)
	}
	types := sink.Types()
	if types[len(types)-1] != agent.EventTurnComplete {
		t.Errorf("last event = %s, want turn_complete", types[len(types)-1])
	}

	history, _ := store.LoadHistory(context.Background(), convID)
	final := history[len(history)-1]
	if final.Role != agent.RoleAssistant || !strings.Contains(final.Content, "limit of tool calls") {
		t.Errorf("final assistant message = %+v, want bound notice", final)
	}
	if res.Position != len(history) {
		t.Errorf("Position = %d, want %d", res.Position, len(history))
	}
}

func TestRunTurnBusyConversation(t *testing.T) {
	model := agent.NewScriptedModel(agent.ScriptedStep{Deltas: []string{"unused"}})
	o, store := newTestOrchestrator(t, model, &agent.StubDispatcher{})

	convID := uuid.New()
	ok, err := store.TryAcquireTurnLock(context.Background(), convID)
	if err != nil || !ok {
		t.Fatalf("TryAcquireTurnLock() = %v, %v", ok, err)
	}

	sink := &agent.CollectSink{}
	_, err = o.RunTurn(context.Background(), convID, "hi", sink)
	if !errors.Is(err, agent.ErrConversationBusy) {
		t.Fatalf("RunTurn() error = %v, want ErrConversationBusy", err)
	}
	if events := sink.Events(); len(events) != 0 {
		t.Errorf("busy rejection emitted %d events, want 0", len(events))
	}
	if model.Calls() != 0 {
		t.Errorf("model calls = %d, want 0", model.Calls())
	}
}

func TestRunTurnLockReleasedAfterTurn(t *testing.T) {
	model := agent.NewScriptedModel(agent.ScriptedStep{Deltas: []string{"one"}}, agent.ScriptedStep{Deltas: []string{"two"}})
	o, _ := newTestOrchestrator(t, model, &agent.StubDispatcher{})

	convID := uuid.New()
	if _, err := o.RunTurn(context.Background(), convID, "first", nil); err != nil {
		t.Fatalf("first RunTurn() error = %v", err)
	}
	if _, err := o.RunTurn(context.Background(), convID, "second", nil); err != nil {
		t.Fatalf("second RunTurn() error = %v", err)
	}
}

func TestRunTurnModelFailurePersistsPartial(t *testing.T) {
	permanent := errors.New("model rejected the request")
	model := modelClientFunc(func(ctx context.Context, req agent.ModelRequest, cb agent.StreamCallback) (*agent.ModelResult, error) {
		if err := cb(ctx, "partial "); err != nil {
			return nil, err
		}
		return nil, permanent
	})
	o, store := newTestOrchestrator(t, model, &agent.StubDispatcher{})

	convID := uuid.New()
	sink := &agent.CollectSink{}
	_, err := o.RunTurn(context.Background(), convID, "hi", sink)
	if !errors.Is(err, permanent) {
		t.Fatalf("RunTurn() error = %v, want %v", err, permanent)
	}

	types := sink.Types()
	if len(types) != 2 || types[0] != agent.EventTokenDelta || types[1] != agent.EventError {
		t.Fatalf("event types = %v, want [token_delta error]", types)
	}

	history, _ := store.LoadHistory(context.Background(), convID)
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	failed := history[1]
	if failed.Role != agent.RoleAssistant || failed.Status != agent.StatusFailed || failed.Content != "partial " {
		t.Errorf("failed assistant message = %+v", failed)
	}
}

func TestRunTurnEmptyAnswerFallback(t *testing.T) {
	model := agent.NewScriptedModel(agent.ScriptedStep{})
	o, store := newTestOrchestrator(t, model, &agent.StubDispatcher{})

	convID := uuid.New()
	sink := &agent.CollectSink{}
	if _, err := o.RunTurn(context.Background(), convID, "hi", sink); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	events := sink.Events()
	if len(events) != 2 || events[0].Delta != agent.FallbackResponse {
		t.Fatalf("events = %+v, want fallback delta then turn_complete", events)
	}

	history, _ := store.LoadHistory(context.Background(), convID)
	if history[1].Content != agent.FallbackResponse {
		t.Errorf("assistant content = %q, want fallback response", history[1].Content)
	}
}

func TestRunTurnSlowConsumerCancels(t *testing.T) {
	model := agent.NewScriptedModel(agent.ScriptedStep{Deltas: []string{"a", "b", "c"}})
	o, store := newTestOrchestrator(t, model, &agent.StubDispatcher{})

	convID := uuid.New()
	sink := &agent.CollectSink{FailAfter: 1}
	_, err := o.RunTurn(context.Background(), convID, "hi", sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunTurn() error = %v, want context.Canceled", err)
	}

	// Only fully formed messages survive a cancelled turn.
	history, _ := store.LoadHistory(context.Background(), convID)
	if len(history) != 1 || history[0].Role != agent.RoleUser {
		t.Errorf("history = %+v, want only the user message", history)
	}
}

func TestRunTurnContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := modelClientFunc(func(ctx context.Context, req agent.ModelRequest, cb agent.StreamCallback) (*agent.ModelResult, error) {
		cancel()
		return nil, ctx.Err()
	})
	o, store := newTestOrchestrator(t, model, &agent.StubDispatcher{})

	convID := uuid.New()
	sink := &agent.CollectSink{}
	_, err := o.RunTurn(ctx, convID, "hi", sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunTurn() error = %v, want context.Canceled", err)
	}

	types := sink.Types()
	if len(types) != 1 || types[0] != agent.EventCancelled {
		t.Fatalf("event types = %v, want [cancelled]", types)
	}

	history, _ := store.LoadHistory(context.Background(), convID)
	if len(history) != 1 || history[0].Role != agent.RoleUser {
		t.Errorf("history = %+v, want only the user message", history)
	}
}

func TestRunTurnTransientFailureRetries(t *testing.T) {
	var calls atomic.Int32
	model := modelClientFunc(func(ctx context.Context, req agent.ModelRequest, cb agent.StreamCallback) (*agent.ModelResult, error) {
		if calls.Add(1) == 1 {
			return nil, agent.ErrModelTransient
		}
		if err := cb(ctx, "recovered"); err != nil {
			return nil, err
		}
		return &agent.ModelResult{Text: "recovered"}, nil
	})
	o, store := newTestOrchestrator(t, model, &agent.StubDispatcher{}, func(cfg *agent.Config) {
		cfg.Retry = agent.RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	})

	convID := uuid.New()
	if _, err := o.RunTurn(context.Background(), convID, "hi", &agent.CollectSink{}); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("model calls = %d, want 2", got)
	}

	history, _ := store.LoadHistory(context.Background(), convID)
	if history[1].Content != "recovered" {
		t.Errorf("assistant content = %q, want recovered", history[1].Content)
	}
}
