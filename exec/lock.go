package exec

import (
	"context"
	"sync"
)

// Lock is an asynchronous FIFO mutex. Acquire suspends the caller until it
// becomes the holder; Release hands the lock to the oldest waiter. Structural
// store mutations (module load/unload, exclusive dispatch) serialize on it.
type Lock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func NewLock() *Lock {
	return &Lock{}
}

// Acquire blocks until the caller holds the lock or ctx is cancelled.
// On success it returns an idempotent release function; callers must invoke
// it on every exit path. Prefer With for scoped acquisition.
func (l *Lock) Acquire(ctx context.Context) (release func(), err error) {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return l.releaseOnce(), nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return l.releaseOnce(), nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		l.mu.Unlock()
		// The lock was granted between cancellation and cleanup.
		// Hand it to the next waiter instead of keeping it.
		l.release()
		return nil, ctx.Err()
	}
}

// With runs fn while holding the lock. The lock is released on every exit
// path, including a panic inside fn.
func (l *Lock) With(ctx context.Context, fn func() error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Held reports whether the lock currently has a holder.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *Lock) release() {
	l.mu.Lock()
	if len(l.waiters) == 0 {
		l.held = false
		l.mu.Unlock()
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.mu.Unlock()
	close(next)
}

func (l *Lock) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(l.release)
	}
}
