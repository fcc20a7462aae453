package transfer

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/marmos91/chatvault/internal/logger"
	"github.com/marmos91/chatvault/pkg/remote"
)

// ErrIntegrity marks a downloaded blob whose hash does not match the
// catalogue record. Retryable: the backend may serve a good copy on the
// next fetch.
var ErrIntegrity = errors.New("blob integrity check failed")

// RetryPolicy controls per-chunk retries. Transient failures back off
// exponentially with jitter; rate-limit waits honor the backend's
// cool-down exactly and never consume an attempt.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the standard chunk retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    32 * time.Second,
		MaxAttempts: 5,
	}
}

// Do runs fn until it succeeds, exhausts the attempt budget, or hits a
// non-retryable error. onRetry, if set, is called before each backoff
// sleep with the attempt number and reason.
func (p RetryPolicy) Do(ctx context.Context, fn func() error, onRetry func(attempt int, reason string)) error {
	attempt := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}

		if wait, ok := remote.IsRateLimit(err); ok {
			// Free wait: the backend told us exactly how long.
			logger.Debug("rate limited, waiting", "retry_after", wait)
			if onRetry != nil {
				onRetry(attempt, "rate_limit")
			}
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		retryable := remote.IsTransient(err) || errors.Is(err, ErrIntegrity)
		if !retryable {
			return err
		}

		attempt++
		if attempt >= p.MaxAttempts {
			return err
		}

		delay := p.backoff(attempt)
		reason := "transient"
		if errors.Is(err, ErrIntegrity) {
			reason = "integrity"
		}
		logger.Debug("retrying after failure",
			logger.KeyAttempt, attempt,
			logger.KeyMaxRetries, p.MaxAttempts,
			"delay", delay,
			logger.KeyError, err.Error())
		if onRetry != nil {
			onRetry(attempt, reason)
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// backoff returns base*2^(attempt-1) capped at MaxDelay, plus jitter in
// [0, delay/2).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
