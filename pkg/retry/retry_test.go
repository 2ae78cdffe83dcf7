package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Constant(5, time.Millisecond), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("always")
	err := Do(context.Background(), Constant(3, time.Millisecond), func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Config{InitialDelay: time.Millisecond}, func() error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestDoNonRetryableStopsEarly(t *testing.T) {
	calls := 0
	inner := errors.New("fatal")
	err := Do(context.Background(), Constant(5, time.Millisecond), func() error {
		calls++
		return NonRetryable(inner)
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, inner)
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Constant(10, time.Second), func() error {
		return errors.New("keep going")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
