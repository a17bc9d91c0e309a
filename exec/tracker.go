package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTrackerTimeout is returned by AllExecuted when tracked handles fail to
// report completion within the configured ceiling.
var ErrTrackerTimeout = errors.New("tracker: completion barrier timed out")

// DefaultTrackerTimeout bounds how long AllExecuted waits for propagation.
const DefaultTrackerTimeout = 30 * time.Second

// trackerEntry is one handle's completion cell. joined is the first cycle the
// handle participates in; done is the newest cycle it has reported for.
// Cycles only grow, so a report can never satisfy a barrier opened after it.
type trackerEntry struct {
	joined uint64
	done   uint64
}

// Tracker is the completion barrier that makes state propagation awaitable.
// Each propagation cycle gets its own generation number from Reset; handles
// report against the cycle they were notified for, and a barrier resolves
// only on reports belonging to its own cycle or a later one.
type Tracker struct {
	mu        sync.Mutex
	statuses  map[string]*trackerEntry
	finalized map[string]struct{}
	cycle     uint64
	timeout   time.Duration
	changed   chan struct{}
}

func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTrackerTimeout
	}
	return &Tracker{
		statuses:  make(map[string]*trackerEntry),
		finalized: make(map[string]struct{}),
		timeout:   timeout,
		changed:   make(chan struct{}),
	}
}

// Track registers a handle, participating from the next cycle onward so it
// cannot gate a barrier whose notifications were already fanned out.
// Registering an already tracked handle is a no-op.
func (t *Tracker) Track(handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.statuses[handle]; ok {
		return
	}
	t.statuses[handle] = &trackerEntry{joined: t.cycle + 1}
	t.notifyLocked()
}

// SetStatus records that the handle has reacted to the given cycle's
// snapshot. Reports never regress, and reports for unknown handles are
// ignored.
func (t *Tracker) SetStatus(handle string, cycle uint64, done bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.statuses[handle]
	if !ok || !done {
		return
	}
	if cycle > e.done {
		e.done = cycle
		t.notifyLocked()
	}
}

// Complete unregisters the handle and finalizes it, so it no longer gates any
// barrier and is pruned on the next Reset.
func (t *Tracker) Complete(handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statuses, handle)
	t.finalized[handle] = struct{}{}
	t.notifyLocked()
}

// Reset opens a new propagation cycle and returns its generation number.
// No handle has reported for the new cycle yet, and already-finalized entries
// are pruned.
func (t *Tracker) Reset() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycle++
	t.finalized = make(map[string]struct{})
	t.notifyLocked()
	return t.cycle
}

// Tracked returns the number of handles currently gating the barrier.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.statuses)
}

// AllExecuted suspends until every handle participating in the given cycle
// has reported for it (or a later one) or been completed. It resolves
// immediately when nothing participates, and fails with ErrTrackerTimeout
// once the configured ceiling elapses.
func (t *Tracker) AllExecuted(ctx context.Context, cycle uint64) error {
	deadline := time.NewTimer(t.timeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if t.allDoneLocked(cycle) {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return fmt.Errorf("%w after %v", ErrTrackerTimeout, t.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tracker) allDoneLocked(cycle uint64) bool {
	for _, e := range t.statuses {
		if e.joined > cycle {
			continue
		}
		if e.done < cycle {
			return false
		}
	}
	return true
}

func (t *Tracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
