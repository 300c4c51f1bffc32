package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge/rescache/pkg/errors"
)

func fastConfig(attempts int) Config {
	c := DefaultConfig()
	c.MaxAttempts = attempts
	c.InitialDelay = time.Millisecond
	c.Jitter = false
	return c
}

func TestRetryer_Success(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_RetryableError(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeStorageRead, "connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_NonRetryableError(t *testing.T) {
	attempts := 0
	testErr := errors.NewError(errors.ErrCodeObjectNotFound, "missing")

	err := New(fastConfig(3)).Do(context.Background(), func(context.Context) error {
		attempts++
		return testErr
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Same(t, testErr, err)
}

func TestRetryer_PlainErrorsAreNotRetried(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(context.Background(), func(context.Context) error {
		attempts++
		return stderr.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_RetryableFlag(t *testing.T) {
	cfg := fastConfig(2)
	cfg.RetryableErrors = nil

	attempts := 0
	err := New(cfg).Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeSinkFailed, "sink down")
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeStorageRead, "timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max retry attempts (3) exceeded")
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageRead))
}

func TestRetryer_SingleAttemptReturnsErrorUnwrapped(t *testing.T) {
	testErr := errors.NewError(errors.ErrCodeStorageRead, "timeout")
	err := New(fastConfig(1)).Do(context.Background(), func(context.Context) error {
		return testErr
	})
	assert.Same(t, testErr, err)
}

func TestRetryer_ContextCancellation(t *testing.T) {
	cfg := fastConfig(10)
	cfg.InitialDelay = 100 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := 0
	err := New(cfg).Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errors.NewError(errors.ErrCodeStorageRead, "connection failed")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "canceled")
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	cfg := fastConfig(4)
	cfg.InitialDelay = 10 * time.Millisecond
	cfg.MaxDelay = time.Second

	r := New(cfg)
	assert.Equal(t, 10*time.Millisecond, r.delay(1))
	assert.Equal(t, 20*time.Millisecond, r.delay(2))
	assert.Equal(t, 40*time.Millisecond, r.delay(3))
}

func TestRetryer_MaxDelayCap(t *testing.T) {
	cfg := fastConfig(10)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 2 * time.Second

	assert.Equal(t, 2*time.Second, New(cfg).delay(5))
}

func TestRetryer_JitterStaysInRange(t *testing.T) {
	cfg := fastConfig(3)
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.Jitter = true
	r := New(cfg)

	for i := 0; i < 50; i++ {
		d := r.delay(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var seen []int
	r := New(fastConfig(3)).WithOnRetry(func(attempt int, _ error, _ time.Duration) {
		seen = append(seen, attempt)
	})

	_ = r.Do(context.Background(), func(context.Context) error {
		return errors.NewError(errors.ErrCodeStorageRead, "timeout")
	})

	assert.Equal(t, []int{1, 2}, seen)
}

func TestNew_Defaults(t *testing.T) {
	r := New(Config{})
	assert.Equal(t, 1, r.MaxAttempts())
	assert.Equal(t, 5, r.WithMaxAttempts(5).MaxAttempts())
}
