package agent

import "errors"

// Sentinel errors for turn execution. Callers check these with errors.Is.
var (
	// ErrConversationBusy is returned when a turn is requested for a
	// conversation that already has one in flight. The request is rejected
	// before any event is emitted; clients should retry later.
	ErrConversationBusy = errors.New("conversation has a turn in flight")

	// ErrHistoryUnavailable indicates the state store could not serve the
	// conversation history. Fatal for the turn, not for the conversation.
	ErrHistoryUnavailable = errors.New("conversation history unavailable")

	// ErrStoreWrite indicates the final append batch could not be committed.
	ErrStoreWrite = errors.New("store write failed")

	// ErrModelTransient marks a model adapter failure as retryable
	// (rate limit, 5xx, network). Adapters wrap transient failures with this
	// sentinel; anything else is terminal for the turn.
	ErrModelTransient = errors.New("transient model failure")

	// ErrSlowConsumer is returned by an event sink whose bounded buffer
	// overflowed. The orchestrator cancels the turn rather than holding
	// unbounded memory.
	ErrSlowConsumer = errors.New("event consumer too slow")
)
