package selector

import (
	"sync"
)

// memoCache is a bounded two-generation memo table. Entries are written into
// the live generation; once it holds max entries it is demoted to fallback
// and the previous fallback is dropped wholesale. Lookups consult the live
// generation first, then the fallback, so hot entries survive a rotation
// while cold ones age out without per-entry bookkeeping.
type memoCache[V any] struct {
	mu   sync.Mutex
	gens [2]*sync.Map
	live int
	size uint32
	max  uint32
}

func newMemoCache[V any](max uint32) *memoCache[V] {
	if max == 0 {
		max = 1
	}
	return &memoCache[V]{
		gens: [2]*sync.Map{{}, {}},
		max:  max,
	}
}

func (c *memoCache[V]) load(keys []any) (V, bool) {
	c.mu.Lock()
	live, fallback := c.gens[c.live], c.gens[1-c.live]
	c.mu.Unlock()

	for _, gen := range []*sync.Map{live, fallback} {
		if m, last := walk(gen, keys); m != nil {
			if v, ok := m.Load(last); ok {
				return v.(V), true
			}
		}
	}
	var zero V
	return zero, false
}

func (c *memoCache[V]) store(keys []any, value V) {
	c.mu.Lock()
	if c.size >= c.max {
		c.live = 1 - c.live
		c.gens[c.live] = &sync.Map{}
		c.size = 0
	}
	gen := c.gens[c.live]
	c.size++
	c.mu.Unlock()

	m, last := walkGrow(gen, keys)
	m.Store(last, value)
}

// walk descends the nested maps along keys without creating levels; a missing
// level means a miss.
func walk(m *sync.Map, keys []any) (*sync.Map, any) {
	for _, k := range keys[:len(keys)-1] {
		v, ok := m.Load(k)
		if !ok {
			return nil, nil
		}
		m = v.(*sync.Map)
	}
	return m, keys[len(keys)-1]
}

// walkGrow descends along keys, creating intermediate levels as needed.
func walkGrow(m *sync.Map, keys []any) (*sync.Map, any) {
	for _, k := range keys[:len(keys)-1] {
		v, _ := m.LoadOrStore(k, &sync.Map{})
		m = v.(*sync.Map)
	}
	return m, keys[len(keys)-1]
}
