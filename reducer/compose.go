package reducer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/on-the-ground/statekit/model"
)

// initAction is the synthetic action every leaf reducer sees exactly once,
// with nil state, to materialize its initial sub-state.
var initAction = model.Action{Type: "@@INIT"}

// Config drives a Composer.
type Config struct {
	Logger *zap.Logger

	// MetaReducers are applied right-to-left around the composed reducer
	// when ApplyMetaReducers is set.
	MetaReducers      []MetaReducer
	ApplyMetaReducers bool

	// ConcurrentLeaves runs leaf reducers in parallel goroutines against the
	// same input snapshot; results merge in deterministic path order.
	ConcurrentLeaves bool
}

// Composer flattens a reducer tree and applies it as one reducer with
// structural sharing and per-slice failure isolation.
type Composer struct {
	leaves     []PathReducer
	logger     *zap.Logger
	concurrent bool
	reduce     Reducer
}

func NewComposer(tree Tree, cfg Config) (*Composer, error) {
	leaves, err := Flatten(tree)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Composer{
		leaves:     leaves,
		logger:     logger,
		concurrent: cfg.ConcurrentLeaves,
	}

	reduce := Reducer(func(ctx context.Context, state any, action model.Action) (any, error) {
		return c.applyLeaves(ctx, state, action), nil
	})
	if cfg.ApplyMetaReducers {
		for i := len(cfg.MetaReducers) - 1; i >= 0; i-- {
			reduce = c.wrapMeta(i, cfg.MetaReducers[i], reduce)
		}
	}
	c.reduce = reduce

	return c, nil
}

// Leaves returns the flattened path→reducer pairs in application order.
func (c *Composer) Leaves() []PathReducer {
	return c.leaves
}

// InitialState invokes every leaf once with nil state and the synthetic init
// action, assembling the results into the nested shape implied by the paths.
func (c *Composer) InitialState(ctx context.Context) any {
	var state any
	for _, leaf := range c.leaves {
		val, err := c.invoke(ctx, leaf, nil, initAction)
		if err != nil {
			c.logger.Warn("initial state construction failed for slice",
				zap.String("slice", strings.Join(leaf.Path, ".")),
				zap.Error(err))
			continue
		}
		state = SetAt(state, val, pathAny(leaf.Path)...)
	}
	if state == nil {
		state = map[string]any{}
	}
	return state
}

// Apply runs the composed reducer, meta-reducers included. A failure anywhere
// degrades to the previous state; the reducer never aborts the dispatch.
func (c *Composer) Apply(ctx context.Context, state any, action model.Action) any {
	next, err := func() (next any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("composed reducer panic: %v", r)
			}
		}()
		return c.reduce(ctx, state, action)
	}()
	if err != nil {
		c.logger.Warn("composed reducer failed, state kept",
			zap.String("action", action.Type),
			zap.Error(err))
		return state
	}
	return next
}

// applyLeaves applies each leaf reducer against the input snapshot. Slices
// whose reducer fails keep their previous value while siblings still update.
// When no leaf changed its sub-state the input is returned unchanged, so
// downstream memoization can rely on reference equality.
func (c *Composer) applyLeaves(ctx context.Context, state any, action model.Action) any {
	subs := make([]any, len(c.leaves))
	vals := make([]any, len(c.leaves))
	errs := make([]error, len(c.leaves))
	for i, leaf := range c.leaves {
		subs[i] = GetAt(state, pathAny(leaf.Path)...)
	}

	if c.concurrent {
		var wg sync.WaitGroup
		for i := range c.leaves {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				vals[i], errs[i] = c.invoke(ctx, c.leaves[i], subs[i], action)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range c.leaves {
			vals[i], errs[i] = c.invoke(ctx, c.leaves[i], subs[i], action)
		}
	}

	next := state
	changed := false
	var isolated error
	for i, leaf := range c.leaves {
		if errs[i] != nil {
			isolated = multierr.Append(isolated, fmt.Errorf("slice %q: %w",
				strings.Join(leaf.Path, "."), errs[i]))
			continue
		}
		if SameRef(vals[i], subs[i]) {
			continue
		}
		next = SetAt(next, vals[i], pathAny(leaf.Path)...)
		changed = true
	}
	if isolated != nil {
		c.logger.Warn("reducer failures isolated",
			zap.String("action", action.Type),
			zap.Error(isolated))
	}
	if !changed {
		return state
	}
	return next
}

// invoke runs one leaf reducer, converting panics and errors into the
// previous sub-state.
func (c *Composer) invoke(ctx context.Context, leaf PathReducer, sub any, action model.Action) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val, err = sub, fmt.Errorf("reducer panic: %v", r)
		}
	}()
	val, err = leaf.Reduce(ctx, sub, action)
	if err != nil {
		val = sub
	}
	return
}

// wrapMeta applies one meta-reducer composition step. A meta-reducer that
// panics or yields nil is skipped with a warning, never fatal.
func (c *Composer) wrapMeta(idx int, meta MetaReducer, next Reducer) (wrapped Reducer) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("meta-reducer composition panicked, skipped",
				zap.Int("index", idx),
				zap.Any("error", r))
			wrapped = next
		}
	}()
	if meta == nil {
		c.logger.Warn("nil meta-reducer skipped", zap.Int("index", idx))
		return next
	}
	wrapped = meta(next)
	if wrapped == nil {
		c.logger.Warn("meta-reducer yielded nil, skipped", zap.Int("index", idx))
		return next
	}
	return wrapped
}
