package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rcerrors "github.com/docforge/rescache/pkg/errors"
)

var errSink = errors.New("sink down")

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func failing(context.Context) error    { return errSink }
func succeeding(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	cb := NewBreaker("sink", Config{})

	assert.Equal(t, "sink", cb.Name())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.config.MaxRequests)
	assert.Equal(t, 60*time.Second, cb.config.Interval)
	assert.Equal(t, 60*time.Second, cb.config.Timeout)
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	var transitions []State
	cb := NewBreaker("sink", Config{
		Clock:         clock.Now,
		OnStateChange: func(_ string, _ State, to State) { transitions = append(transitions, to) },
	})
	ctx := context.Background()

	for i := 0; i < DefaultConsecutiveFailures; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errSink)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, rcerrors.HasCode(err, rcerrors.ErrCodeSinkUnavailable))
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := NewBreaker("sink", Config{})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	require.NoError(t, cb.Execute(ctx, succeeding))
	_ = cb.Execute(ctx, failing)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
	assert.Equal(t, uint32(4), cb.Counts().Requests)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	cb := NewBreaker("sink", Config{Clock: clock.Now, Timeout: 10 * time.Second})
	ctx := context.Background()

	for i := 0; i < DefaultConsecutiveFailures; i++ {
		_ = cb.Execute(ctx, failing)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	cb := NewBreaker("sink", Config{Clock: clock.Now, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < DefaultConsecutiveFailures; i++ {
		_ = cb.Execute(ctx, failing)
	}
	clock.Advance(time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, failing), errSink)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	cb := NewBreaker("sink", Config{Clock: clock.Now, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < DefaultConsecutiveFailures; i++ {
		_ = cb.Execute(ctx, failing)
	}
	clock.Advance(time.Second)

	release := make(chan struct{})
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Execute(ctx, succeeding)
	assert.True(t, rcerrors.HasCode(err, rcerrors.ErrCodeSinkUnavailable))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_IntervalClearsClosedCounts(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	cb := NewBreaker("sink", Config{Clock: clock.Now, Interval: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	clock.Advance(2 * time.Minute)
	_ = cb.Execute(ctx, failing)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewBreaker("sink", Config{})
	ctx := context.Background()
	for i := 0; i < DefaultConsecutiveFailures; i++ {
		_ = cb.Execute(ctx, failing)
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, Counts{}, cb.Counts())
}
