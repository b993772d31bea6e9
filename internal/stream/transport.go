package stream

import (
	"context"
	"fmt"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/log"
)

// DefaultBufferSize is the per-turn event buffer. A consumer that falls this
// far behind the producer has the turn cancelled rather than letting the
// server buffer without bound.
const DefaultBufferSize = 256

// Transport is a bounded, single-turn event pipe between the orchestrator
// and one consumer. Emit never blocks: when the buffer is full the turn is
// marked overflowed and subsequent non-terminal emits fail with
// ErrSlowConsumer.
type Transport struct {
	events chan agent.StreamEvent
	done   chan struct{}
	size   int
	logger log.Logger
}

var _ agent.EventSink = (*Transport)(nil)

// NewTransport creates a transport with the given buffer size; zero or
// negative means DefaultBufferSize.
func NewTransport(size int, logger log.Logger) *Transport {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Transport{
		// One slot beyond size is reserved for the turn's single terminal
		// event, so a consumer that drains after an overflow still sees the
		// stream end with turn_complete, error, or cancelled.
		events: make(chan agent.StreamEvent, size+1),
		done:   make(chan struct{}),
		size:   size,
		logger: logger,
	}
}

// Emit queues one event for the consumer. It returns agent.ErrSlowConsumer
// when the buffer is full, which the orchestrator treats as a cancellation
// cause for the turn. Terminal events bypass the overflow gate into the
// reserved slot so an overflowed stream still terminates properly.
func (t *Transport) Emit(_ context.Context, ev agent.StreamEvent) error {
	select {
	case <-t.done:
		if ev.Type.Terminal() {
			select {
			case t.events <- ev:
				return nil
			default:
			}
		}
		return fmt.Errorf("transport closed: %w", agent.ErrSlowConsumer)
	default:
	}

	if !ev.Type.Terminal() && len(t.events) >= t.size {
		t.logger.Warn("event buffer overflow, cancelling turn", "type", ev.Type)
		close(t.done)
		return agent.ErrSlowConsumer
	}

	select {
	case t.events <- ev:
		return nil
	default:
		t.logger.Warn("event buffer overflow, cancelling turn", "type", ev.Type)
		close(t.done)
		return agent.ErrSlowConsumer
	}
}

// Close releases the pipe after the producing turn has returned. Pending
// events remain readable by Run until drained.
func (t *Transport) Close() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	close(t.events)
}

// Run drains events to fn until a terminal event is forwarded, the channel
// is closed, or ctx is cancelled. A write error from fn stops consumption;
// the producing side then overflows and cancels the turn on its own.
func (t *Transport) Run(ctx context.Context, fn func(agent.StreamEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-t.events:
			if !ok {
				return nil
			}
			if err := fn(ev); err != nil {
				return fmt.Errorf("forward event: %w", err)
			}
			if ev.Type.Terminal() {
				return nil
			}
		}
	}
}
