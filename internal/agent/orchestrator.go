// Package agent implements the conversation orchestration core: the loop
// that interleaves model generation, tool invocation, streaming delivery and
// persistence ordering for one conversation turn.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tickerchat/tickerchat/internal/log"
)

const (
	// DefaultMaxToolRounds bounds the generate -> tool -> resume cycles in a
	// single turn. Prevents infinite tool-call loops from a misbehaving model.
	DefaultMaxToolRounds = 5

	// DefaultToolTimeout bounds a single tool execution.
	DefaultToolTimeout = 30 * time.Second

	// FallbackResponse is persisted and streamed when the model produces an
	// empty final answer.
	FallbackResponse = "I couldn't generate a response. Please try rephrasing your question."

	// boundNotice is the synthesized answer suffix when a turn hits the
	// tool-round bound.
	boundNotice = "\n\n[I reached the limit of tool calls for this turn. The answer above may be incomplete.]"
)

// Config contains all parameters for the Orchestrator.
type Config struct {
	Model  ModelClient
	Tools  ToolDispatcher
	Store  Store
	Logger log.Logger

	SystemPrompt  string
	MaxToolRounds int           // 0 = DefaultMaxToolRounds
	ToolTimeout   time.Duration // 0 = DefaultToolTimeout

	Retry       RetryConfig   // zero value = DefaultRetryConfig
	Breaker     BreakerConfig // zero value = DefaultBreakerConfig
	RateLimiter *rate.Limiter // nil = 10 req/s, burst 30
}

func (cfg Config) validate() error {
	if cfg.Model == nil {
		return errors.New("model client is required")
	}
	if cfg.Tools == nil {
		return errors.New("tool dispatcher is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Orchestrator drives conversation turns. Each turn runs as an independent
// task; many conversations may be in flight at once, each progressing through
// its own state machine instance. The orchestrator itself holds no
// per-conversation state and is safe for concurrent use.
type Orchestrator struct {
	model  ModelClient
	tools  ToolDispatcher
	store  Store
	logger log.Logger

	systemPrompt  string
	maxToolRounds int
	toolTimeout   time.Duration

	retry   RetryConfig
	breaker *circuitBreaker
	limiter *rate.Limiter
}

// New creates an Orchestrator, applying defaults for optional configuration.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	toolTimeout := cfg.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = DefaultToolTimeout
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialInterval == 0 {
		retry = DefaultRetryConfig()
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}

	o := &Orchestrator{
		model:         cfg.Model,
		tools:         cfg.Tools,
		store:         cfg.Store,
		logger:        cfg.Logger,
		systemPrompt:  cfg.SystemPrompt,
		maxToolRounds: maxRounds,
		toolTimeout:   toolTimeout,
		retry:         retry,
		breaker:       newCircuitBreaker(cfg.Breaker),
		limiter:       limiter,
	}

	o.logger.Info("orchestrator initialized",
		"maxToolRounds", o.maxToolRounds,
		"toolTimeout", o.toolTimeout,
		"tools", len(o.tools.Definitions()))

	return o, nil
}

// TurnResult describes a completed turn.
type TurnResult struct {
	Messages []Message // messages persisted for this turn, in order
	Position int       // committed store position
}

// RunTurn executes one conversation turn: load history, generate, execute
// tool calls up to the round bound, stream events to sink, and persist the
// turn's messages as a single append batch.
//
// Events for the turn are emitted to sink in production order and terminated
// by exactly one of turn_complete, error, or cancelled, except for
// ErrConversationBusy, which is returned before any event is emitted.
func (o *Orchestrator) RunTurn(ctx context.Context, conversationID uuid.UUID, input string, sink EventSink) (*TurnResult, error) {
	if sink == nil {
		sink = DiscardSink
	}

	ok, err := o.store.TryAcquireTurnLock(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("acquire turn lock: %w: %w", ErrHistoryUnavailable, err)
	}
	if !ok {
		return nil, ErrConversationBusy
	}
	defer func() {
		// Release must not be skipped on client disconnect.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.store.ReleaseTurnLock(releaseCtx, conversationID); err != nil {
			o.logger.Error("failed to release turn lock",
				"conversation_id", conversationID, "error", err)
		}
	}()

	logger := o.logger.With("conversation_id", conversationID)
	logger.Debug("turn started", "input_length", len(input))

	history, err := o.store.LoadHistory(ctx, conversationID)
	if err != nil {
		err = fmt.Errorf("load history: %w: %w", ErrHistoryUnavailable, err)
		o.emitError(ctx, sink, err)
		return nil, err
	}

	userMsg := NewUserMessage(conversationID, input)
	working := append(slices.Clone(history), userMsg)
	// pending holds the turn's fully formed messages awaiting the final
	// append batch, always starting with the user message.
	pending := []Message{userMsg}

	var answer strings.Builder
	cb := func(ctx context.Context, delta string) error {
		if err := sink.Emit(ctx, StreamEvent{Type: EventTokenDelta, Delta: delta}); err != nil {
			return err
		}
		answer.WriteString(delta)
		return nil
	}

	definitions := o.tools.Definitions()
	rounds := 0
	for {
		if ctx.Err() != nil {
			return nil, o.cancelTurn(ctx, logger, sink, conversationID, pending)
		}

		if err := o.breaker.allow(); err != nil {
			logger.Warn("circuit breaker rejecting turn", "state", o.breaker.State().String())
			return nil, o.failTurn(ctx, logger, sink, conversationID, pending, answer.String(),
				fmt.Errorf("model unavailable: %w", err))
		}

		res, err := o.generateWithRetry(ctx, ModelRequest{
			System:   o.systemPrompt,
			Messages: working,
			Tools:    definitions,
		}, cb)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSlowConsumer) {
				return nil, o.cancelTurn(ctx, logger, sink, conversationID, pending)
			}
			o.breaker.failure()
			return nil, o.failTurn(ctx, logger, sink, conversationID, pending, answer.String(), err)
		}
		o.breaker.success()

		if res.Intent == nil {
			break
		}

		if rounds >= o.maxToolRounds {
			logger.Warn("tool round bound reached", "rounds", rounds)
			if err := cb(ctx, boundNotice); err != nil {
				return nil, o.cancelTurn(ctx, logger, sink, conversationID, pending)
			}
			break
		}
		rounds++

		started := ToolCall{
			Name:   res.Intent.Name,
			Args:   res.Intent.Args,
			Status: ToolCallPending,
		}
		if err := sink.Emit(ctx, StreamEvent{Type: EventToolCallStarted, ToolCall: &started}); err != nil {
			return nil, o.cancelTurn(ctx, logger, sink, conversationID, pending)
		}

		call, err := o.invokeTool(ctx, res.Intent)
		if err != nil {
			return nil, o.cancelTurn(ctx, logger, sink, conversationID, pending)
		}
		logger.Debug("tool call finished",
			"tool", call.Name,
			"status", call.Status,
			"from_cache", call.FromCache,
			"duration", call.Duration)

		if err := sink.Emit(ctx, StreamEvent{Type: EventToolCallResult, ToolCall: &call}); err != nil {
			return nil, o.cancelTurn(ctx, logger, sink, conversationID, pending)
		}

		toolMsg := NewToolMessage(conversationID, call)
		working = append(working, toolMsg)
		pending = append(pending, toolMsg)
	}

	if ctx.Err() != nil {
		return nil, o.cancelTurn(ctx, logger, sink, conversationID, pending)
	}

	final := answer.String()
	if strings.TrimSpace(final) == "" {
		logger.Warn("model returned empty final answer")
		final = FallbackResponse
		if err := sink.Emit(ctx, StreamEvent{Type: EventTokenDelta, Delta: final}); err != nil {
			return nil, o.cancelTurn(ctx, logger, sink, conversationID, pending)
		}
	}

	pending = append(pending, NewAssistantMessage(conversationID, final, StatusCompleted))
	pos, err := o.store.Append(ctx, conversationID, pending)
	if err != nil {
		err = fmt.Errorf("append turn messages: %w: %w", ErrStoreWrite, err)
		o.emitError(ctx, sink, err)
		return nil, err
	}

	if err := sink.Emit(ctx, StreamEvent{Type: EventTurnComplete, Position: pos}); err != nil {
		// The turn is committed; a consumer that vanished at the last event
		// does not fail it.
		logger.Debug("consumer gone before turn_complete", "error", err)
	}

	logger.Debug("turn completed", "rounds", rounds, "position", pos)
	return &TurnResult{Messages: pending, Position: pos}, nil
}

// invokeTool runs the dispatcher on a context detached from turn
// cancellation: tools may have non-abortable side effects, so an in-flight
// call is allowed to finish in the background and its result is discarded.
// The dispatcher applies the execution timeout itself.
func (o *Orchestrator) invokeTool(ctx context.Context, intent *ToolCallIntent) (ToolCall, error) {
	done := make(chan ToolCall, 1)
	go func() {
		done <- o.tools.Invoke(context.WithoutCancel(ctx), intent.Name, intent.Args, o.toolTimeout)
	}()

	select {
	case call := <-done:
		return call, nil
	case <-ctx.Done():
		return ToolCall{}, ctx.Err()
	}
}

// failTurn finishes a turn in the Failed state: partial content already
// streamed to the client is persisted with a failed status marker so
// client-visible output and stored history never diverge.
func (o *Orchestrator) failTurn(ctx context.Context, logger log.Logger, sink EventSink, conversationID uuid.UUID, pending []Message, partial string, cause error) error {
	logger.Error("turn failed", "error", cause)

	pending = append(pending, NewAssistantMessage(conversationID, partial, StatusFailed))

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := o.store.Append(persistCtx, conversationID, pending); err != nil {
		logger.Error("failed to persist failed turn", "error", err)
	}

	o.emitError(ctx, sink, cause)
	return cause
}

// cancelTurn finishes a cancelled turn: only messages fully formed before
// cancellation are persisted; a partially generated assistant message is
// dropped because the client never saw it complete.
func (o *Orchestrator) cancelTurn(ctx context.Context, logger log.Logger, sink EventSink, conversationID uuid.UUID, pending []Message) error {
	logger.Info("turn cancelled", "persisted_messages", len(pending))

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := o.store.Append(persistCtx, conversationID, pending); err != nil {
		logger.Error("failed to persist cancelled turn", "error", err)
	}

	// Best effort: the consumer may already be gone.
	_ = sink.Emit(persistCtx, StreamEvent{Type: EventCancelled})

	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

func (o *Orchestrator) emitError(ctx context.Context, sink EventSink, cause error) {
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = sink.Emit(emitCtx, StreamEvent{Type: EventError, Err: cause.Error()})
}
