package warehouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryOnConflict_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflict_RetriesConflicts(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	}, WithBaseDelay(time.Millisecond))

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflict_DoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), func(_ context.Context) error {
		calls++
		return ErrInsufficientStock
	})

	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflict_GivesUp(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), func(_ context.Context) error {
		calls++
		return errors.Join(ErrConflict, errors.New("serialization failure"))
	}, WithMaxAttempts(4), WithBaseDelay(0), WithJitterFactor(0))

	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 4, calls)
}

func TestRetryOnConflict_StopsWhenContextIsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryOnConflict(ctx, func(_ context.Context) error {
		calls++
		cancel()
		return ErrConflict
	}, WithBaseDelay(time.Hour))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflict_InvalidOptions(t *testing.T) {
	fn := func(_ context.Context) error { return nil }

	assert.ErrorIs(t, RetryOnConflict(context.Background(), fn, WithMaxAttempts(0)), ErrInvalidMaxAttempts)
	assert.ErrorIs(t, RetryOnConflict(context.Background(), fn, WithBaseDelay(-time.Second)), ErrNegativeBaseDelay)
	assert.ErrorIs(t, RetryOnConflict(context.Background(), fn, WithJitterFactor(1.5)), ErrInvalidJitterFactor)
}
