package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("Exclusive until released", func(t *testing.T) {
		l := NewLocalLocker()
		release, err := l.Acquire(ctx, "booking:a", time.Minute)
		require.NoError(t, err)

		_, err = l.Acquire(ctx, "booking:a", time.Minute)
		assert.ErrorIs(t, err, ErrNotAcquired)

		_, err = l.Acquire(ctx, "booking:b", time.Minute)
		assert.NoError(t, err)

		release()
		release()
		_, err = l.Acquire(ctx, "booking:a", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("Expired lock is taken over and the old release is harmless", func(t *testing.T) {
		l := NewLocalLocker()
		now := time.Now()
		l.now = func() time.Time { return now }

		stale, err := l.Acquire(ctx, "booking:a", time.Second)
		require.NoError(t, err)

		now = now.Add(2 * time.Second)
		_, err = l.Acquire(ctx, "booking:a", time.Minute)
		require.NoError(t, err)

		stale()
		_, err = l.Acquire(ctx, "booking:a", time.Minute)
		assert.ErrorIs(t, err, ErrNotAcquired)
	})
}
