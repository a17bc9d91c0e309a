package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/on-the-ground/statekit/stream"
)

func recvOne[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed before a value arrived")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a value")
		panic("unreachable")
	}
}

func TestSubject_Multicast(t *testing.T) {
	ctx := context.Background()
	subj := stream.NewSubject[int]()
	defer subj.Close()

	a, unsubA := subj.Subscribe(1)
	b, unsubB := subj.Subscribe(1)
	defer unsubA()
	defer unsubB()

	subj.Next(ctx, 42)
	assert.Equal(t, 42, recvOne(t, a))
	assert.Equal(t, 42, recvOne(t, b))
}

func TestSubject_LateSubscriberSeesSubsequentOnly(t *testing.T) {
	ctx := context.Background()
	subj := stream.NewSubject[string]()
	defer subj.Close()

	early, unsubEarly := subj.Subscribe(4)
	defer unsubEarly()

	subj.Next(ctx, "before")

	late, unsubLate := subj.Subscribe(4)
	defer unsubLate()

	subj.Next(ctx, "after")

	assert.Equal(t, "before", recvOne(t, early))
	assert.Equal(t, "after", recvOne(t, early))
	assert.Equal(t, "after", recvOne(t, late))
}

func TestSubject_UnsubscribeClosesSink(t *testing.T) {
	ctx := context.Background()
	subj := stream.NewSubject[int]()
	defer subj.Close()

	ch, unsub := subj.Subscribe(1)
	unsub()
	unsub() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, subj.Size())

	// delivering to zero sinks is fine
	subj.Next(ctx, 1)
}

func TestSubject_CloseTerminatesSinks(t *testing.T) {
	subj := stream.NewSubject[int]()
	ch, _ := subj.Subscribe(1)
	subj.Close()
	subj.Close() // idempotent

	_, ok := <-ch
	assert.False(t, ok)

	// a subscription after close yields a closed sink
	late, _ := subj.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestMapFilterPipe(t *testing.T) {
	ctx := context.Background()

	source := make(chan int, 4)
	doubled := make(chan int, 4)
	evens := make(chan int, 4)

	go stream.Map(ctx, source, doubled, func(v int) int { return v * 2 })
	go stream.Filter(ctx, doubled, evens, func(v int) bool { return v%4 == 0 })

	for _, v := range []int{1, 2, 3} {
		source <- v
	}
	close(source)

	var got []int
	for v := range evens {
		got = append(got, v)
	}
	assert.Equal(t, []int{4}, got)

	piped := make(chan int, 2)
	in := make(chan int, 2)
	in <- 7
	close(in)
	go stream.Pipe(ctx, in, piped)
	assert.Equal(t, 7, recvOne(t, piped))
	_, ok := <-piped
	assert.False(t, ok)
}
