package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker implements Locker in process memory for a single instance
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]uint64
	next  uint64
	now   func() time.Time
	until map[string]time.Time
}

// NewLocalLocker creates a LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]uint64),
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Acquire takes the lock or returns ErrNotAcquired. Expired locks are taken over.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok && l.now().Before(l.until[key]) {
		return nil, ErrNotAcquired
	}

	l.next++
	token := l.next
	l.held[key] = token
	l.until[key] = l.now().Add(ttl)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key] == token {
				delete(l.held, key)
				delete(l.until, key)
			}
		})
	}, nil
}
