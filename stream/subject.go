package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Subject is a multicast push stream. Every value passed to Next is delivered
// to all sinks subscribed at that moment; late subscribers observe subsequent
// values only. Sends block until delivered or the context is cancelled, so a
// Subject never reorders or silently drops a value a subscriber is owed.
type Subject[T any] struct {
	mu     sync.Mutex
	sinks  map[string]chan T
	closed bool
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{sinks: make(map[string]chan T)}
}

// Subscribe registers a new sink with the given buffer size and returns its
// receive side plus an idempotent unsubscribe function. Unsubscribing closes
// the sink channel.
func (s *Subject[T]) Subscribe(bufferSize int) (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sink := make(chan T, bufferSize)
	if s.closed {
		close(sink)
		return sink, func() {}
	}

	key := uuid.New().String()
	s.sinks[key] = sink

	var once sync.Once
	return sink, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.sinks[key]; ok {
				delete(s.sinks, key)
				close(sink)
			}
		})
	}
}

// Next delivers v to every current sink. It returns early when ctx is
// cancelled; sinks unsubscribed mid-delivery still receive nothing further.
func (s *Subject[T]) Next(ctx context.Context, v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	sinks := make([]chan T, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		func() {
			// A sink closed by a concurrent unsubscribe makes the send panic.
			defer func() { _ = recover() }()
			select {
			case sink <- v:
			case <-ctx.Done():
			}
		}()
	}
}

// Close terminates the subject and all remaining sinks. Idempotent.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for key, sink := range s.sinks {
		delete(s.sinks, key)
		close(sink)
	}
}

// Size returns the number of live sinks.
func (s *Subject[T]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinks)
}
