package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffPolicy(t *testing.T) {
	t.Parallel()

	policy := &ExponentialBackoffPolicy{
		InitialInterval: 100 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     1600 * time.Millisecond,
		MaxRetries:      5,
	}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}
	for i, want := range expected {
		got, err := policy.ComputeNextInterval(i, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got, "retry %d", i)
	}

	_, err := policy.ComputeNextInterval(5, 0, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestExponentialBackoffCapsAtMaxInterval(t *testing.T) {
	t.Parallel()

	policy := NewExponentialBackoffPolicy(1 * time.Second)
	got, err := policy.ComputeNextInterval(10, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, got)
}

func TestConstantBackoffPolicy(t *testing.T) {
	t.Parallel()

	policy := &ConstantBackoffPolicy{Interval: 50 * time.Millisecond, MaxRetries: 2}

	got, err := policy.ComputeNextInterval(0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, got)

	got, err = policy.ComputeNextInterval(1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, got)

	_, err = policy.ComputeNextInterval(2, 0, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetrierReset(t *testing.T) {
	t.Parallel()

	retrier := NewRetrier(&ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 1})

	_, err := retrier.Next(nil)
	require.NoError(t, err)
	_, err = retrier.Next(nil)
	require.ErrorIs(t, err, ErrRetriesExhausted)

	retrier.Reset()
	_, err = retrier.Next(nil)
	assert.NoError(t, err)
}

func TestRetry(t *testing.T) {
	t.Run("SucceedsAfterFailures", func(t *testing.T) {
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		}

		policy := NewConstantBackoffPolicy(time.Millisecond)
		err := Retry(context.Background(), op, policy, nil)

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("NonRetriableError", func(t *testing.T) {
		permanentErr := errors.New("permanent error")
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			return permanentErr
		}

		isRetriable := func(err error) bool {
			return !errors.Is(err, permanentErr)
		}

		policy := NewConstantBackoffPolicy(time.Millisecond)
		err := Retry(context.Background(), op, policy, isRetriable)

		assert.Equal(t, permanentErr, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("ExhaustedReturnsLastError", func(t *testing.T) {
		lastErr := errors.New("still failing")
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			return lastErr
		}

		policy := &ConstantBackoffPolicy{Interval: time.Millisecond, MaxRetries: 3}
		err := Retry(context.Background(), op, policy, nil)

		assert.Equal(t, lastErr, err)
		assert.Equal(t, 4, attempts) // initial attempt plus three retries
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		op := func(ctx context.Context) error {
			return ctx.Err()
		}

		policy := NewConstantBackoffPolicy(time.Millisecond)
		err := Retry(ctx, op, policy, nil)

		assert.Equal(t, context.Canceled, err)
	})

	t.Run("ContextCancellationDuringWait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0

		op := func(_ context.Context) error {
			attempts++
			if attempts == 1 {
				go func() {
					time.Sleep(20 * time.Millisecond)
					cancel()
				}()
			}
			return errors.New("always failing")
		}

		policy := NewConstantBackoffPolicy(time.Second)
		err := Retry(ctx, op, policy, nil)

		assert.Equal(t, context.Canceled, err)
		assert.Equal(t, 1, attempts)
	})
}
