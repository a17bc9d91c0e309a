package queue

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Partitionable messages are routed to a stable worker by key, so handling
// order is preserved per key while distinct keys proceed in parallel.
type Partitionable interface {
	PartitionKey() string
}

// Dispatcher routes messages onto worker channels. Workers drain their
// channel until ctx is cancelled.
type Dispatcher[T any] interface {
	ChannelOf(msg T) chan<- T
}

// --- single queue ---

type singleQueue[T any] struct {
	msgCh chan T
}

func (q singleQueue[T]) ChannelOf(_ T) chan<- T {
	return q.msgCh
}

func NewSingle[T any](
	ctx context.Context,
	bufferSize int,
	handleFn func(context.Context, T),
) Dispatcher[T] {
	msgCh := make(chan T, bufferSize)
	ready := make(chan struct{})

	go func(ch chan T) {
		defer close(ch)
		close(ready)
		for {
			select {
			case msg := <-ch:
				handleFn(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}(msgCh)

	<-ready

	return singleQueue[T]{msgCh: msgCh}
}

// --- partitioned queue ---

type partitionedQueue[T Partitionable] struct {
	msgChs []chan T
}

func (pq partitionedQueue[T]) ChannelOf(msg T) chan<- T {
	return pq.msgChs[indexByHash(msg, len(pq.msgChs))]
}

func NewPartitioned[T Partitionable](
	ctx context.Context,
	numWorkers, bufferSize int,
	handleFn func(context.Context, T),
) Dispatcher[T] {
	channels := make([]chan T, numWorkers)
	ready := sync.WaitGroup{}
	for i := 0; i < numWorkers; i++ {
		ready.Add(1)
		ch := make(chan T, bufferSize)
		go func(ch chan T) {
			defer close(ch)
			ready.Done()
			for {
				select {
				case msg := <-ch:
					handleFn(ctx, msg)
				case <-ctx.Done():
					return
				}
			}
		}(ch)
		channels[i] = ch
	}
	ready.Wait()
	return partitionedQueue[T]{msgChs: channels}
}

func indexByHash(msg Partitionable, numChs int) int {
	switch numChs {
	case 0:
		panic("number of channels cannot be 0")
	case 1:
		return 0
	default:
		return int(xxhash.Sum64String(msg.PartitionKey()) % uint64(numChs))
	}
}
