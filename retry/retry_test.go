package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("nil error is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(nil)
		},
		gen.Int(),
	))

	properties.Property("context.Canceled is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(context.Canceled)
		},
		gen.Int(),
	))

	properties.Property("context.DeadlineExceeded is retryable", prop.ForAll(
		func(_ int) bool {
			return IsRetryable(context.DeadlineExceeded)
		},
		gen.Int(),
	))

	properties.Property("network errors are retryable", prop.ForAll(
		func(msg string) bool {
			err := &net.OpError{Op: "read", Net: "tcp", Err: errors.New(msg)}
			return IsRetryable(err)
		},
		gen.AlphaString(),
	))

	properties.Property("a closed client is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(redis.ErrClosed)
		},
		gen.Int(),
	))

	properties.Property("transient redis states are retryable", prop.ForAll(
		func(i int) bool {
			transients := []string{
				"LOADING Redis is loading the dataset in memory",
				"CLUSTERDOWN The cluster is down",
				"READONLY You can't write against a read only replica",
				"dial tcp 127.0.0.1:6379: connect: connection refused",
				"read tcp: connection reset by peer",
				"write tcp: broken pipe",
				"read tcp: i/o timeout",
				"unexpected EOF",
			}
			return IsRetryable(errors.New(transients[i%len(transients)]))
		},
		gen.IntRange(0, 7),
	))

	properties.Property("other redis errors are not retryable", prop.ForAll(
		func(i int) bool {
			permanent := []string{
				"WRONGTYPE Operation against a key holding the wrong kind of value",
				"NOSCRIPT No matching script",
				"ERR syntax error",
				"invalid source id",
			}
			return !IsRetryable(errors.New(permanent[i%len(permanent)]))
		},
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

func TestDo(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("successful operation returns nil", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}
			err := Do(context.Background(), cfg, func(_ context.Context) error {
				return nil
			})
			return err == nil
		},
		gen.IntRange(1, 10),
	))

	properties.Property("non-retryable error returns immediately", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}
			attempts := 0
			permanent := errors.New("invalid source id")
			err := Do(context.Background(), cfg, func(_ context.Context) error {
				attempts++
				return permanent
			})
			return attempts == 1 && errors.Is(err, permanent)
		},
		gen.IntRange(2, 10),
	))

	properties.Property("retryable error exhausts all attempts", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}
			attempts := 0
			transient := errors.New("read tcp: i/o timeout")
			err := Do(context.Background(), cfg, func(_ context.Context) error {
				attempts++
				return transient
			})
			var exhausted *ExhaustedError
			return attempts == maxAttempts &&
				errors.As(err, &exhausted) &&
				exhausted.Attempts == maxAttempts &&
				errors.Is(err, transient)
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestDoRecovers(t *testing.T) {
	cfg := Config{
		MaxAttempts:       5,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	attempts := 0
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:       5,
		InitialBackoff:    time.Minute,
		BackoffMultiplier: 2.0,
	}
	attempts := 0
	err := Do(ctx, cfg, func(_ context.Context) error {
		attempts++
		cancel()
		return errors.New("connection refused")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts, "cancellation must stop the backoff wait")
}

func TestCalculateBackoff(t *testing.T) {
	cfg := Config{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}
	assert.Equal(t, 100*time.Millisecond, calculateBackoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, calculateBackoff(cfg, 2))
	assert.Equal(t, 400*time.Millisecond, calculateBackoff(cfg, 3))
	assert.Equal(t, time.Second, calculateBackoff(cfg, 10), "backoff is capped")

	cfg.Jitter = 0.1
	for i := 0; i < 50; i++ {
		got := calculateBackoff(cfg, 2)
		assert.InDelta(t, float64(200*time.Millisecond), float64(got), float64(20*time.Millisecond))
	}
}

func TestExhaustedError(t *testing.T) {
	last := errors.New("broken pipe")
	err := &ExhaustedError{Attempts: 3, TotalDuration: 2 * time.Second, LastError: last}
	assert.EqualError(t, err, "retry exhausted after 3 attempts over 2s: broken pipe")
	assert.ErrorIs(t, err, last)
}
