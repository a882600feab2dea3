// Package lock provides short-lived exclusive locks keyed by string.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when another holder owns the key
var ErrNotAcquired = errors.New("lock is held by another caller")

// Locker acquires an exclusive lock on key for at most ttl. The returned
// release function is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
