package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/chatvault/pkg/remote"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		MaxAttempts: 5,
	}
}

func TestRetryTransientEventuallySucceeds(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &remote.TransientError{Err: errors.New("flaky")}
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		return &remote.TransientError{Err: errors.New("always")}
	}, nil)
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err))
	assert.Equal(t, 5, calls)
}

func TestRetryPermanentFailsImmediately(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		return remote.ErrNotFound
	}, nil)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestRetryRateLimitDoesNotConsumeAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		// More rate limits than the attempt budget, then success.
		if calls <= 7 {
			return &remote.RateLimitError{RetryAfter: time.Millisecond}
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, calls)
}

func TestRetryIntegrityIsRetryable(t *testing.T) {
	calls := 0
	reasons := []string{}
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return ErrIntegrity
		}
		return nil
	}, func(_ int, reason string) { reasons = append(reasons, reason) })
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"integrity"}, reasons)
}

func TestRetryHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fastPolicy().Do(ctx, func() error {
		return &remote.TransientError{Err: errors.New("flaky")}
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffCappedAtMax(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 32 * time.Second, MaxAttempts: 10}
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.backoff(attempt)
		// Jitter adds at most half the capped delay.
		assert.LessOrEqual(t, d, 48*time.Second, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, time.Second, "attempt %d", attempt)
	}
}
