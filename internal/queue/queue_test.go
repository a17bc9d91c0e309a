package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/on-the-ground/statekit/internal/queue"
)

type keyedMsg struct {
	key string
	seq int
}

func (m keyedMsg) PartitionKey() string { return m.key }

func TestSingle_HandlesInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	const total = 20
	d := queue.NewSingle[keyedMsg](ctx, total, func(_ context.Context, m keyedMsg) {
		mu.Lock()
		got = append(got, m.seq)
		if len(got) == total {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < total; i++ {
		d.ChannelOf(keyedMsg{key: "only", seq: i}) <- keyedMsg{key: "only", seq: i}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("messages were not drained")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		require.Equal(t, i, seq, "single worker must preserve submission order")
	}
}

func TestPartitioned_PreservesPerKeyOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const keys = 4
	const perKey = 25

	var mu sync.Mutex
	seen := make(map[string][]int, keys)
	done := make(chan struct{})
	remaining := keys * perKey

	d := queue.NewPartitioned[keyedMsg](ctx, 3, keys*perKey,
		func(_ context.Context, m keyedMsg) {
			mu.Lock()
			seen[m.key] = append(seen[m.key], m.seq)
			remaining--
			if remaining == 0 {
				close(done)
			}
			mu.Unlock()
		})

	// interleave keys so partitions receive mixed traffic
	for seq := 0; seq < perKey; seq++ {
		for k := 0; k < keys; k++ {
			m := keyedMsg{key: fmt.Sprintf("key-%d", k), seq: seq}
			d.ChannelOf(m) <- m
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages were not drained")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, keys)
	for key, seqs := range seen {
		require.Len(t, seqs, perKey)
		for i, seq := range seqs {
			require.Equalf(t, i, seq, "key %s handled out of order", key)
		}
	}
}

func TestPartitioned_StableChannelPerKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := queue.NewPartitioned[keyedMsg](ctx, 4, 1, func(context.Context, keyedMsg) {})

	m := keyedMsg{key: "pinned"}
	first := d.ChannelOf(m)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, d.ChannelOf(m), "a key must always map to the same worker")
	}
}
