package reducer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/on-the-ground/statekit/reducer"
)

func TestGetAt(t *testing.T) {
	state := map[string]any{
		"a": map[string]any{
			"b": []any{1, 2, 3},
		},
	}

	tests := []struct {
		name string
		path []any
		want any
	}{
		{"whole state", nil, state},
		{"nested key", []any{"a", "b"}, []any{1, 2, 3}},
		{"index", []any{"a", "b", 1}, 2},
		{"missing key", []any{"a", "zzz"}, nil},
		{"missing intermediate", []any{"x", "y", "z"}, nil},
		{"index out of range", []any{"a", "b", 9}, nil},
		{"negative index", []any{"a", "b", -1}, nil},
		{"index into map", []any{"a", 0}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reducer.GetAt(state, tt.path...))
		})
	}
}

func TestSetAt_StructuralSharing(t *testing.T) {
	sibling := map[string]any{"kept": true}
	state := map[string]any{
		"a": map[string]any{"x": 1},
		"b": sibling,
	}

	next := reducer.SetAt(state, 2, "a", "x")
	nm, ok := next.(map[string]any)
	require.True(t, ok)

	assert.Equal(t, 2, reducer.GetAt(next, "a", "x"))
	// the untouched sibling keeps its prior reference
	assert.True(t, reducer.SameRef(sibling, nm["b"]))
	// ancestors of the changed path are fresh copies
	assert.False(t, reducer.SameRef(state, next))
	assert.False(t, reducer.SameRef(state["a"], nm["a"]))
	// the input state is untouched
	assert.Equal(t, 1, reducer.GetAt(state, "a", "x"))
}

func TestSetAt_WholeState(t *testing.T) {
	assert.Equal(t, "new", reducer.SetAt(map[string]any{"old": 1}, "new"))
}

func TestSetAt_GrowsMissingContainers(t *testing.T) {
	next := reducer.SetAt(nil, "v", "a", "b")
	assert.Equal(t, "v", reducer.GetAt(next, "a", "b"))

	next = reducer.SetAt(nil, "v", "list", 2)
	assert.Equal(t, "v", reducer.GetAt(next, "list", 2))
	assert.Nil(t, reducer.GetAt(next, "list", 0))
}

func TestDeleteAt(t *testing.T) {
	sibling := map[string]any{"kept": true}
	state := map[string]any{"a": 1, "b": sibling}

	next := reducer.DeleteAt(state, "a")
	nm := next.(map[string]any)
	_, present := nm["a"]
	assert.False(t, present)
	assert.True(t, reducer.SameRef(sibling, nm["b"]))
	// deleting an absent key returns the state unchanged
	assert.True(t, reducer.SameRef(state, reducer.DeleteAt(state, "zzz")))
}

func TestSameRef(t *testing.T) {
	m := map[string]any{}
	s := []any{1}
	assert.True(t, reducer.SameRef(nil, nil))
	assert.False(t, reducer.SameRef(nil, m))
	assert.True(t, reducer.SameRef(m, m))
	assert.False(t, reducer.SameRef(m, map[string]any{}))
	assert.True(t, reducer.SameRef(s, s))
	assert.True(t, reducer.SameRef(1, 1))
	assert.False(t, reducer.SameRef(1, 2))
	assert.False(t, reducer.SameRef(1, "1"))
}
