package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetryTransientExhaustion(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return NewTransportError("testvenue", "fetch", errors.New("connection reset"))
	})
	require.Error(t, err)
	assert.Equal(t, retryMaxAttempts, calls)
	assert.True(t, errors.Is(err, ErrVenueUnavailable), "exhausted retries should map to ErrVenueUnavailable")
}

func TestWithRetryPermanentNotRetried(t *testing.T) {
	calls := 0
	permanent := fmt.Errorf("%w: bad signature", ErrUnauthorized)
	err := WithRetry(context.Background(), func() error {
		calls++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "auth errors must surface immediately")
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.False(t, errors.Is(err, ErrVenueUnavailable))
}

func TestWithRetrySucceedsAfterFailure(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return NewTransportError("testvenue", "fetch", errors.New("i/o timeout"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewTransportError("v", "op", errors.New("boom"))))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(ErrInsufficientMargin))
	assert.False(t, IsTransient(ErrPostOnlyRejected))
	assert.False(t, IsTransient(nil))
}
