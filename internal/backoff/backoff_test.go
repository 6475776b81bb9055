package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelaySchedule(t *testing.T) {
	p := LLMPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5), "capped at max")
	assert.Equal(t, time.Second, p.Delay(0), "attempt floor is 1")
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 2, Attempts: 3}
	permanent := errors.New("parse error")
	calls := 0
	err := Retry(context.Background(), p, func(err error) bool { return false }, func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 2, Attempts: 3}
	transient := errors.New("503")
	calls := 0
	err := Retry(context.Background(), p, func(err error) bool { return true }, func() error {
		calls++
		return transient
	})
	require.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestRetrySucceedsMidway(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 2, Attempts: 3}
	calls := 0
	err := Retry(context.Background(), p, func(err error) bool { return true }, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	p := Policy{Initial: time.Hour, Max: time.Hour, Factor: 2, Attempts: 3}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	transient := errors.New("transient")
	err := Retry(ctx, p, func(err error) bool { return true }, func() error { return transient })
	require.ErrorIs(t, err, transient, "returns the operation error, not ctx.Err")
}
