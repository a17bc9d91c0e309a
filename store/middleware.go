package store

import (
	"context"

	"github.com/on-the-ground/statekit/exec"
	"github.com/on-the-ground/statekit/model"
)

// Dispatch is the signature every stage of the middleware pipeline shares,
// terminating in the container's raw dispatch.
type Dispatch func(ctx context.Context, action model.Action)

// Strategy selects how the starter middleware sequences dispatches.
type Strategy string

const (
	// StrategyExclusive serializes actions on the shared lock: no two
	// dispatches interleave their reducer application.
	StrategyExclusive Strategy = "exclusive"
	// StrategyConcurrent forwards immediately, allowing overlapping
	// asynchronous dispatches. State writes still serialize at the container.
	StrategyConcurrent Strategy = "concurrent"
)

// MiddlewareAPI is the surface a middleware sees. Dispatch re-enters the full
// pipeline, not the raw dispatch.
type MiddlewareAPI struct {
	Dispatch     Dispatch
	GetState     func(path ...any) any
	Dependencies func() model.Dependencies
	Strategy     func() Strategy
	Lock         *exec.Lock
	Stack        *exec.Stack
}

// Middleware wraps dispatch. Composed right-to-left; each middleware decides
// whether and how to forward to next.
type Middleware func(api MiddlewareAPI) func(next Dispatch) Dispatch

// Enhancer wraps store creation by rebuilding its dispatch chain. Enhancers
// built by ApplyMiddleware are marked so CombineEnhancers can guarantee the
// starter middleware is always present.
type Enhancer struct {
	apply        func(s *Store, next Dispatch) Dispatch
	isMiddleware bool
}

// NewEnhancer wraps a dispatch-rebuilding function as an enhancer. Enhancers
// built this way do not carry the starter middleware; CombineEnhancers adds it
// when no ApplyMiddleware enhancer is present.
func NewEnhancer(apply func(s *Store, next Dispatch) Dispatch) Enhancer {
	return Enhancer{apply: apply}
}

// ApplyMiddleware composes mws into a single dispatch-wrapping enhancer via
// right-to-left function composition. The pipeline always begins with the
// mandatory starter middleware performing lock-aware sequencing.
func ApplyMiddleware(mws ...Middleware) Enhancer {
	return Enhancer{
		isMiddleware: true,
		apply: func(s *Store, next Dispatch) Dispatch {
			api := s.middlewareAPI()
			chain := append([]Middleware{starterMiddleware}, mws...)
			d := next
			for i := len(chain) - 1; i >= 0; i-- {
				d = chain[i](api)(d)
			}
			return d
		},
	}
}

// CombineEnhancers composes multiple enhancers into one, auto-inserting an
// empty ApplyMiddleware() when none of the supplied enhancers is one, so the
// starter middleware is always present.
func CombineEnhancers(enhancers ...Enhancer) Enhancer {
	hasMiddleware := false
	for _, e := range enhancers {
		if e.isMiddleware {
			hasMiddleware = true
			break
		}
	}
	if !hasMiddleware {
		enhancers = append(enhancers, ApplyMiddleware())
	}
	combined := make([]Enhancer, len(enhancers))
	copy(combined, enhancers)

	return Enhancer{
		isMiddleware: true,
		apply: func(s *Store, next Dispatch) Dispatch {
			d := next
			for i := len(combined) - 1; i >= 0; i-- {
				d = combined[i].apply(s, d)
			}
			return d
		},
	}
}

// starterMiddleware records an "action"-kind instruction for the duration of
// the dispatch and, under the exclusive strategy, holds the shared lock
// across next(action) so reducer applications never interleave.
func starterMiddleware(api MiddlewareAPI) func(next Dispatch) Dispatch {
	return func(next Dispatch) Dispatch {
		return func(ctx context.Context, a model.Action) {
			kind := exec.KindAction
			if a.Source != nil {
				kind = exec.KindAsyncAction
			}
			inst := exec.NewInstruction(kind, a.Type)
			if a.Source != nil {
				inst.WithContext(a.Source)
			}
			api.Stack.Add(inst)
			defer api.Stack.Remove(inst)

			if api.Strategy() == StrategyExclusive {
				release, err := api.Lock.Acquire(ctx)
				if err != nil {
					return
				}
				defer release()
			}
			next(ctx, a)
		}
	}
}
