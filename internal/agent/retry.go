package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryConfig configures retry behavior for model adapter calls.
type RetryConfig struct {
	MaxRetries      int           // Retry attempts after the first call
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Backoff cap
}

// DefaultRetryConfig returns the defaults for model API calls: two retries
// with exponential backoff. Tool execution is never retried here; a tool
// signaling transient failure must retry internally or be re-invoked by the
// model on its next round.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// generateWithRetry calls the model adapter with exponential backoff on
// transient failures. Each attempt is rate limited.
//
// An attempt that already streamed deltas to the sink is never retried, even
// on a transient error: replaying the stream would duplicate client-visible
// output and break the persisted-equals-streamed invariant.
func (o *Orchestrator) generateWithRetry(ctx context.Context, req ModelRequest, cb StreamCallback) (*ModelResult, error) {
	var lastErr error
	delay := o.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= o.retry.MaxRetries; attempt++ {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		streamed := 0
		attemptCb := func(ctx context.Context, delta string) error {
			streamed++
			return cb(ctx, delta)
		}

		resp, err := o.model.Generate(ctx, req, attemptCb)
		if err == nil {
			o.logger.Debug("model call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return resp, nil
		}

		lastErr = err

		if !errors.Is(err, ErrModelTransient) || streamed > 0 {
			return nil, fmt.Errorf("model generate: %w", err)
		}
		if attempt == o.retry.MaxRetries {
			break
		}

		o.logger.Debug("retrying model call",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, o.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("model generate after %d retries (elapsed %v): %w",
		o.retry.MaxRetries, time.Since(start), lastErr)
}
