package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithoutPolicy(t *testing.T) {
	errBoom := errors.New("boom")
	calls := 0
	err := retry(context.Background(), nil, func() error {
		calls++
		return Permanent(errBoom)
	}, nil)
	assert.Equal(t, errBoom, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	errBoom := errors.New("boom")
	calls := 0
	var retried []error
	err := retry(context.Background(), &RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, func() error {
		calls++
		return fmt.Errorf("attempt %d: %w", calls, errBoom)
	}, func(err error, next time.Duration) {
		retried = append(retried, err)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.EqualError(t, err, "attempt 3: boom")
	assert.Equal(t, 3, calls)
	assert.Len(t, retried, 2)
}

func TestRetryKeepsErrorWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errBoom := errors.New("boom")
	calls := 0
	err := retry(ctx, &RetryPolicy{Attempts: 3, Backoff: time.Hour}, func() error {
		calls++
		cancel()
		return errBoom
	}, nil)
	assert.Equal(t, errBoom, err)
	assert.Equal(t, 1, calls)
}

func TestRetryKeepsTimeoutAroundPermanent(t *testing.T) {
	errBoom := errors.New("boom")
	calls := 0
	err := retry(context.Background(), &RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, func() error {
		calls++
		return NewStepTimeoutError("charge", time.Second, Permanent(errBoom))
	}, nil)
	assert.Equal(t, 1, calls, "a permanent cause stops the retries")

	var timeoutErr *StepTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, StepID("charge"), timeoutErr.StepID)
	assert.ErrorIs(t, err, ErrStepTimeout)
	assert.ErrorIs(t, err, errBoom)
}
