package exec

import (
	"context"
	"sync"
)

// Stack is the shared ledger of in-flight instructions. Components push an
// Instruction when they start an operation and remove it when the operation
// completes or is cancelled. Waiters observe changes through a broadcast
// channel that is replaced on every mutation.
type Stack struct {
	mu      sync.Mutex
	items   []*Instruction
	changed chan struct{}
}

func NewStack() *Stack {
	return &Stack{changed: make(chan struct{})}
}

func (s *Stack) Add(in *Instruction) {
	if in == nil {
		return
	}
	s.mu.Lock()
	s.items = append(s.items, in)
	s.notifyLocked()
	s.mu.Unlock()
}

// Remove deletes the instruction from the stack. It reports whether the
// instruction was present, so teardown paths can call it idempotently.
func (s *Stack) Remove(in *Instruction) bool {
	if in == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i] == in {
			s.items = append(s.items[:i], s.items[i+1:]...)
			s.notifyLocked()
			return true
		}
	}
	return false
}

// Peek returns the most recently added instruction, or nil when empty.
func (s *Stack) Peek() *Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil
	}
	return s.items[len(s.items)-1]
}

// ToArray returns a snapshot of the stack in insertion order.
func (s *Stack) ToArray() []*Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instruction, len(s.items))
	copy(out, s.items)
	return out
}

// FindLast returns the most recently added instruction matching pred.
func (s *Stack) FindLast(pred func(*Instruction) bool) *Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.items) - 1; i >= 0; i-- {
		if pred(s.items[i]) {
			return s.items[i]
		}
	}
	return nil
}

func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Empty reports whether no instruction of any kind is in flight.
func (s *Stack) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) == 0
}

// Idle reports whether no raw dispatch is mid-flight. Long-lived epics and
// sagas may still be running while the stack is idle.
func (s *Stack) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleLocked()
}

// WaitForEmpty suspends until the stack holds zero entries.
func (s *Stack) WaitForEmpty(ctx context.Context) error {
	return s.waitFor(ctx, func() bool { return len(s.items) == 0 })
}

// WaitForIdle suspends until no "action"-kind entry remains.
func (s *Stack) WaitForIdle(ctx context.Context) error {
	return s.waitFor(ctx, s.idleLocked)
}

func (s *Stack) idleLocked() bool {
	for _, in := range s.items {
		if in.Kind == KindAction || in.Kind == KindAsyncAction {
			return false
		}
	}
	return true
}

func (s *Stack) waitFor(ctx context.Context, cond func() bool) error {
	for {
		s.mu.Lock()
		if cond() {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stack) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
