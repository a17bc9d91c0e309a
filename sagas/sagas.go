package sagas

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/on-the-ground/statekit/exec"
	"github.com/on-the-ground/statekit/internal/helper"
	"github.com/on-the-ground/statekit/model"
	"github.com/on-the-ground/statekit/store"
)

// Saga is a cancellable coroutine-style effect pipeline: sequential,
// multi-step side-effect logic run to completion or until its context is
// cancelled. Errors are caught and logged by the runner, never propagated
// into dispatch.
type Saga func(ctx context.Context, env Env) error

// Env is the execution context injected into a running saga: dispatch
// re-entry, state reads, and the live dependency graph merged at start time.
type Env struct {
	Dispatch     store.Dispatch
	GetState     func(path ...any) any
	Dependencies model.Dependencies
}

// DependencyAs reads a named dependency from the saga environment asserted
// to T.
func DependencyAs[T any](env Env, name string) (T, error) {
	return helper.TypedOf[T](func() (any, error) {
		v, ok := env.Dependencies[name]
		if !ok {
			return nil, fmt.Errorf("dependency %q not registered", name)
		}
		return v, nil
	})
}

// WithRetry wraps a saga so failures re-run it, up to maxAttempts. A
// cancelled context ends the retry loop immediately.
func WithRetry(maxAttempts int, sg Saga) Saga {
	return func(ctx context.Context, env Env) error {
		return helper.Retry(ctx, maxAttempts, func() error {
			return sg(ctx, env)
		})
	}
}

// RunSagas builds the control action that starts sagas.
func RunSagas(sgs ...Saga) model.Action {
	return model.Action{Type: model.TypeRunEntities, Payload: sgs}
}

// StopSagas builds the control action that cancels running sagas.
func StopSagas(sgs ...Saga) model.Action {
	return model.Action{Type: model.TypeStopEntities, Payload: sgs}
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
	inst   *exec.Instruction
}

// Runner owns the map of active sagas keyed by function identity, so
// duplicate RUN_ENTITIES calls for the same saga are idempotent.
type Runner struct {
	logger  *zap.Logger
	baseCtx context.Context

	mu     sync.Mutex
	active map[uintptr]*running
}

func NewRunner(ctx context.Context, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger:  logger,
		baseCtx: ctx,
		active:  make(map[uintptr]*running),
	}
}

// Middleware wires the runner into the dispatch pipeline, consuming saga
// control actions and forwarding everything else untouched.
func (r *Runner) Middleware() store.Middleware {
	return func(api store.MiddlewareAPI) func(next store.Dispatch) store.Dispatch {
		return func(next store.Dispatch) store.Dispatch {
			return func(ctx context.Context, a model.Action) {
				switch a.Type {
				case model.TypeRunEntities:
					if sgs, ok := sagasOf(a.Payload); ok {
						for _, sg := range sgs {
							r.start(api, sg)
						}
						return
					}
				case model.TypeStopEntities:
					if sgs, ok := sagasOf(a.Payload); ok {
						for _, sg := range sgs {
							r.stop(sg)
						}
						return
					}
				}
				next(ctx, a)
			}
		}
	}
}

// ActiveCount returns the number of sagas currently running.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close cancels every running saga and waits for their cleanup paths.
func (r *Runner) Close() {
	r.mu.Lock()
	runs := make([]*running, 0, len(r.active))
	for _, run := range r.active {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	for _, run := range runs {
		run.cancel()
		<-run.done
	}
}

func sagasOf(payload any) ([]Saga, bool) {
	switch p := payload.(type) {
	case []Saga:
		return p, true
	case Saga:
		return []Saga{p}, true
	default:
		return nil, false
	}
}

func sagaKey(sg Saga) uintptr {
	return reflect.ValueOf(sg).Pointer()
}

// start launches the saga unless one with the same function identity is
// already active. The stack entry is pushed for the duration of the run and
// popped in a cleanup path that runs on normal completion, error, or
// cancellation alike.
func (r *Runner) start(api store.MiddlewareAPI, sg Saga) {
	if sg == nil {
		return
	}
	key := sagaKey(sg)

	r.mu.Lock()
	if _, dup := r.active[key]; dup {
		r.mu.Unlock()
		r.logger.Debug("saga already running, skipping duplicate start")
		return
	}
	runCtx, cancel := context.WithCancel(r.baseCtx)
	inst := exec.NewInstruction(exec.KindSaga, sg)
	run := &running{cancel: cancel, done: make(chan struct{}), inst: inst}
	r.active[key] = run
	r.mu.Unlock()

	api.Stack.Add(inst)

	env := Env{
		Dispatch:     api.Dispatch,
		GetState:     api.GetState,
		Dependencies: api.Dependencies(),
	}

	go func() {
		defer close(run.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("saga panicked",
					zap.String("instruction", inst.ID),
					zap.Any("error", rec))
			}
			api.Stack.Remove(inst)
			r.logger.Debug("saga finished",
				zap.String("instruction", inst.ID),
				zap.Duration("ran", inst.Age()))
			r.mu.Lock()
			delete(r.active, key)
			r.mu.Unlock()
		}()

		if err := sg(runCtx, env); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("saga failed",
				zap.String("instruction", inst.ID),
				zap.Error(err))
		}
	}()
}

// stop cancels the saga's task; removal from the active map happens in the
// saga's own cleanup path.
func (r *Runner) stop(sg Saga) {
	if sg == nil {
		return
	}
	r.mu.Lock()
	run, ok := r.active[sagaKey(sg)]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("saga not running, nothing to stop")
		return
	}
	run.cancel()
}
