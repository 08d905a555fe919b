package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestRetryProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("exponential backoff never exceeds the max interval", prop.ForAll(
		func(initialNs, maxNs int64, multiplier float64, attempt int) bool {
			initial := time.Duration(initialNs)
			max := time.Duration(maxNs)
			opts := RetryOptions{
				InitialInterval: initial,
				Multiplier:      multiplier,
				MaxInterval:     max,
			}
			backoff := CalculateBackoff(attempt, opts)
			if backoff > max {
				return false
			}
			return attempt != 1 || backoff == initial
		},
		gen.Int64Range(int64(10*time.Millisecond), int64(100*time.Millisecond)),
		gen.Int64Range(int64(1*time.Second), int64(5*time.Second)),
		gen.Float64Range(1.1, 3.0),
		gen.IntRange(1, 10),
	))

	properties.Property("fixed delay is constant across attempts", prop.ForAll(
		func(delayMs int64, attempt int) bool {
			opts := Fixed(5, time.Duration(delayMs)*time.Millisecond)
			return CalculateBackoff(attempt, opts) == opts.InitialInterval
		},
		gen.Int64Range(1, 2000),
		gen.IntRange(1, 10),
	))

	properties.Property("retry does not exceed max attempts", prop.ForAll(
		func(maxAttempts int) bool {
			count := 0
			fn := func() error {
				count++
				return errors.New("transient error")
			}

			_ = Do(context.Background(), fn, Fixed(maxAttempts, time.Microsecond))

			return count == maxAttempts
		},
		gen.IntRange(1, 10),
	))

	properties.Property("non-retryable errors stop retry loop immediately", prop.ForAll(
		func(failAtAttempt int) bool {
			count := 0
			fn := func() error {
				count++
				if count == failAtAttempt {
					return errors.New("fatal error")
				}
				return errors.New("retryable error")
			}

			opts := Fixed(10, time.Microsecond)
			opts.Classifier = func(err error) bool {
				return err.Error() == "retryable error"
			}

			err := Do(context.Background(), fn, opts)

			return count == failAtAttempt && err.Error() == "fatal error"
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestRetrySuccess(t *testing.T) {
	count := 0
	fn := func() error {
		count++
		if count < 3 {
			return errors.New("not yet")
		}
		return nil
	}

	var retried []int
	opts := Fixed(3, time.Millisecond)
	opts.OnRetry = func(attempt int, err error) {
		retried = append(retried, attempt)
	}

	err := Do(context.Background(), fn, opts)
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("boom")
	}, RetryOptions{})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, count)
}

func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fn := func() error {
		return errors.New("waiting")
	}

	opts := DefaultOptions()
	opts.InitialInterval = 100 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, fn, opts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransientClassifier(t *testing.T) {
	assert.True(t, Transient(errors.New("conn reset")))
	assert.False(t, Transient(context.Canceled))
	assert.False(t, Transient(context.DeadlineExceeded))
}
