package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCombineContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	type ctxKey string
	const key ctxKey = "testKey"
	const value = "testValue"

	t.Run("InheritsValuesFromSession", func(t *testing.T) {
		sessionCtx := context.WithValue(context.Background(), key, value)
		opCtx := context.Background()

		combined, cancel := CombineContext(sessionCtx, opCtx)
		defer cancel()

		assert.Equal(t, value, combined.Value(key),
			"combined context must expose the session context's values")
		assert.NoError(t, combined.Err())
	})

	t.Run("CanceledBySession", func(t *testing.T) {
		sessionCtx, cancelSession := context.WithCancel(context.Background())
		combined, cancel := CombineContext(sessionCtx, context.Background())
		defer cancel()

		cancelSession()

		assert.Eventually(t, func() bool {
			return combined.Err() != nil
		}, time.Second, 10*time.Millisecond)
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("CanceledByOperation", func(t *testing.T) {
		opCtx, cancelOp := context.WithCancel(context.Background())
		combined, cancel := CombineContext(context.Background(), opCtx)
		defer cancel()

		cancelOp()

		assert.Eventually(t, func() bool {
			return combined.Err() != nil
		}, time.Second, 10*time.Millisecond)
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("DeadlineFromSession", func(t *testing.T) {
		deadline := time.Now().Add(50 * time.Millisecond)
		sessionCtx, cancelSession := context.WithDeadline(context.Background(), deadline)
		defer cancelSession()

		combined, cancel := CombineContext(sessionCtx, context.Background())
		defer cancel()

		combinedDeadline, ok := combined.Deadline()
		require.True(t, ok, "combined context should inherit the session deadline")
		assert.WithinDuration(t, deadline, combinedDeadline, 10*time.Millisecond)

		<-combined.Done()
		assert.ErrorIs(t, combined.Err(), context.DeadlineExceeded)
	})

	t.Run("OperationDeadlineCancels", func(t *testing.T) {
		opCtx, cancelOp := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancelOp()

		combined, cancel := CombineContext(context.Background(), opCtx)
		defer cancel()

		<-combined.Done()

		// The goroutine relays the operation deadline as a plain cancel.
		assert.ErrorIs(t, opCtx.Err(), context.DeadlineExceeded)
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("ExplicitCancellation", func(t *testing.T) {
		combined, cancel := CombineContext(context.Background(), context.Background())
		cancel()

		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})
}
