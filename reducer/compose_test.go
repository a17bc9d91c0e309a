package reducer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/on-the-ground/statekit/model"
	"github.com/on-the-ground/statekit/reducer"
)

func counterReducer(init int, incrType string) reducer.Reducer {
	return func(_ context.Context, state any, a model.Action) (any, error) {
		cur, ok := state.(int)
		if !ok {
			cur = init
		}
		if a.Type == incrType {
			return cur + 1, nil
		}
		return cur, nil
	}
}

func TestFlatten_RejectsInvalidLeaf(t *testing.T) {
	_, err := reducer.Flatten(reducer.Tree{
		"a": counterReducer(0, "INC"),
		"b": "not a reducer",
	})
	require.ErrorIs(t, err, reducer.ErrInvalidLeaf)
}

func TestFlatten_DepthFirstPaths(t *testing.T) {
	leaves, err := reducer.Flatten(reducer.Tree{
		"b": counterReducer(0, "INC"),
		"a": reducer.Tree{
			"inner": counterReducer(0, "INC"),
		},
	})
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	assert.Equal(t, []string{"a", "inner"}, leaves[0].Path)
	assert.Equal(t, []string{"b"}, leaves[1].Path)
}

func TestComposer_InitialState(t *testing.T) {
	c, err := reducer.NewComposer(reducer.Tree{
		"counter": counterReducer(7, "INC"),
		"nested": reducer.Tree{
			"inner": counterReducer(1, "INC"),
		},
	}, reducer.Config{})
	require.NoError(t, err)

	state := c.InitialState(context.Background())
	assert.Equal(t, 7, reducer.GetAt(state, "counter"))
	assert.Equal(t, 1, reducer.GetAt(state, "nested", "inner"))
}

func TestComposer_NoOpKeepsReference(t *testing.T) {
	c, err := reducer.NewComposer(reducer.Tree{
		"counter": counterReducer(0, "INC"),
	}, reducer.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	state := c.InitialState(ctx)
	next := c.Apply(ctx, state, model.Action{Type: "UNRELATED"})
	assert.True(t, reducer.SameRef(state, next),
		"unchanged application must return the identical snapshot")

	changed := c.Apply(ctx, state, model.Action{Type: "INC"})
	assert.False(t, reducer.SameRef(state, changed))
	assert.Equal(t, 1, reducer.GetAt(changed, "counter"))
}

func TestComposer_FailureIsolation(t *testing.T) {
	boom := errors.New("boom")
	failing := reducer.Reducer(func(_ context.Context, state any, a model.Action) (any, error) {
		if a.Type == "X" {
			return nil, boom
		}
		if state == nil {
			return "seed", nil
		}
		return state, nil
	})
	panicking := reducer.Reducer(func(_ context.Context, state any, a model.Action) (any, error) {
		if a.Type == "X" {
			panic("kaboom")
		}
		if state == nil {
			return "seed", nil
		}
		return state, nil
	})

	c, err := reducer.NewComposer(reducer.Tree{
		"bad":   failing,
		"worse": panicking,
		"good":  counterReducer(0, "X"),
	}, reducer.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	state := c.InitialState(ctx)
	next := c.Apply(ctx, state, model.Action{Type: "X"})

	// failing slices keep their previous value, the sibling still applies
	assert.Equal(t, "seed", reducer.GetAt(next, "bad"))
	assert.Equal(t, "seed", reducer.GetAt(next, "worse"))
	assert.Equal(t, 1, reducer.GetAt(next, "good"))
}

func TestComposer_StructuralSharingAcrossSlices(t *testing.T) {
	c, err := reducer.NewComposer(reducer.Tree{
		"hot":  counterReducer(0, "INC"),
		"cold": mapReducer(),
	}, reducer.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	state := c.InitialState(ctx)
	coldBefore := reducer.GetAt(state, "cold")

	next := c.Apply(ctx, state, model.Action{Type: "INC"})
	assert.Equal(t, 1, reducer.GetAt(next, "hot"))
	assert.True(t, reducer.SameRef(coldBefore, reducer.GetAt(next, "cold")),
		"untouched slice must keep reference identity")
}

func mapReducer() reducer.Reducer {
	return func(_ context.Context, state any, _ model.Action) (any, error) {
		if state == nil {
			return map[string]any{"frozen": true}, nil
		}
		return state, nil
	}
}

func TestComposer_MetaReducers(t *testing.T) {
	var seen []string
	tag := func(name string) reducer.MetaReducer {
		return func(next reducer.Reducer) reducer.Reducer {
			return func(ctx context.Context, state any, a model.Action) (any, error) {
				seen = append(seen, name)
				return next(ctx, state, a)
			}
		}
	}
	broken := reducer.MetaReducer(func(next reducer.Reducer) reducer.Reducer {
		panic("bad meta")
	})

	c, err := reducer.NewComposer(reducer.Tree{
		"counter": counterReducer(0, "INC"),
	}, reducer.Config{
		MetaReducers:      []reducer.MetaReducer{tag("outer"), broken, tag("inner")},
		ApplyMetaReducers: true,
	})
	require.NoError(t, err)

	ctx := context.Background()
	state := c.InitialState(ctx)
	next := c.Apply(ctx, state, model.Action{Type: "INC"})

	assert.Equal(t, 1, reducer.GetAt(next, "counter"))
	// the broken meta-reducer is skipped; the rest wrap outside-in
	assert.Equal(t, []string{"outer", "inner"}, seen)
}

func TestComposer_MetaReducersDisabled(t *testing.T) {
	called := false
	meta := reducer.MetaReducer(func(next reducer.Reducer) reducer.Reducer {
		called = true
		return next
	})
	_, err := reducer.NewComposer(reducer.Tree{
		"counter": counterReducer(0, "INC"),
	}, reducer.Config{MetaReducers: []reducer.MetaReducer{meta}})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestComposer_ConcurrentLeaves(t *testing.T) {
	tree := reducer.Tree{}
	for _, k := range []string{"a", "b", "c", "d"} {
		tree[k] = counterReducer(0, "INC")
	}
	c, err := reducer.NewComposer(tree, reducer.Config{ConcurrentLeaves: true})
	require.NoError(t, err)

	ctx := context.Background()
	state := c.InitialState(ctx)
	for i := 0; i < 10; i++ {
		state = c.Apply(ctx, state, model.Action{Type: "INC"})
	}
	for _, k := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 10, reducer.GetAt(state, k))
	}
}
