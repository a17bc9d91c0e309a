package stream

import "context"

// Map forwards every value of source through f into sink, closing sink when
// source closes or ctx is cancelled.
func Map[T any, R any](ctx context.Context, source <-chan T, sink chan<- R, f func(T) R) {
	defer close(sink)
	for v := range source {
		select {
		case sink <- f(v):
		case <-ctx.Done():
			return
		}
	}
}

// Pipe forwards source into sink unchanged.
func Pipe[T any](ctx context.Context, source <-chan T, sink chan<- T) {
	Map(ctx, source, sink, func(v T) T {
		return v
	})
}

// Filter forwards only values satisfying predicate.
func Filter[T any](ctx context.Context, source <-chan T, sink chan<- T, predicate func(T) bool) {
	defer close(sink)
	for v := range source {
		if predicate(v) {
			select {
			case sink <- v:
			case <-ctx.Done():
				return
			}
		}
	}
}
