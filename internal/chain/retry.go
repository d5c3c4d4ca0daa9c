package chain

import (
	"context"
	"errors"
	"time"

	"github.com/harborfin/steward/internal/logger"
	"github.com/harborfin/steward/internal/metrics"
)

var ErrRetriesExhausted = errors.New("retry attempts exhausted")

var retryLogger = logger.GetForComponent("chain_retry")

// RetryPolicy is the bounded-attempt exponential backoff shared by both
// loops. Only errors wrapping ErrTransient are retried; everything else
// surfaces immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy suits chain calls with multi-second settlement noise.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    8 * time.Second,
}

// Do runs fn until it succeeds, fails non-transiently, the context is
// cancelled, or the attempt budget runs out. Exhaustion wraps both
// ErrRetriesExhausted and the last error so callers keep the taxonomy.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	delay := p.BaseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrTransient) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		metrics.ChainRetries.WithLabelValues(op).Inc()
		retryLogger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(lastErr).
			Msg("Transient chain error, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	metrics.ChainFailures.WithLabelValues(op).Inc()
	return errors.Join(ErrRetriesExhausted, lastErr)
}
