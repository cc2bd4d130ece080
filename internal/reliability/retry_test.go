package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedDelay(t *testing.T) {
	t.Run("retries forever when unbounded", func(t *testing.T) {
		policy := NewFixedDelay(time.Second, 0)

		for attempt := 1; attempt < 100; attempt++ {
			retry, delay := policy.ShouldRetry(attempt, errors.New("boom"))
			assert.True(t, retry)
			assert.Equal(t, time.Second, delay)
		}
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		policy := NewFixedDelay(10*time.Millisecond, 3)

		retry, _ := policy.ShouldRetry(2, errors.New("boom"))
		assert.True(t, retry)
		retry, _ = policy.ShouldRetry(3, errors.New("boom"))
		assert.False(t, retry)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		policy := NewFixedDelay(time.Second, 0)

		retry, _ := policy.ShouldRetry(1, PermanentError{Err: errors.New("bad config")})
		assert.False(t, retry)
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("grows and caps", func(t *testing.T) {
		policy := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 0)
		policy.Jitter = false

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 200*time.Millisecond, policy.NextDelay(2))
		assert.Equal(t, 400*time.Millisecond, policy.NextDelay(3))
		assert.Equal(t, time.Second, policy.NextDelay(10))
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Second, time.Second, 2.0, 0)

		for i := 0; i < 50; i++ {
			delay := policy.NextDelay(1)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns after success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			return errors.New("still failing")
		})

		assert.EqualError(t, err, "still failing")
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, NewFixedDelay(time.Hour, 0), func() error {
			return errors.New("never")
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}
