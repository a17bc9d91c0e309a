package epics

import (
	"context"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/on-the-ground/statekit/exec"
	"github.com/on-the-ground/statekit/model"
	"github.com/on-the-ground/statekit/store"
	"github.com/on-the-ground/statekit/stream"
)

// Epic is a long-lived effect pipeline: it observes the live action and state
// feeds and emits follow-up actions on the returned channel. An epic is
// re-invoked with fresh input channels every time the active set changes, and
// must close its output once its inputs are exhausted. Emitting an action
// whose Err is non-nil signals pipeline failure to the combinator.
type Epic func(
	ctx context.Context,
	actions <-chan model.Action,
	states <-chan any,
	deps model.Dependencies,
) <-chan model.Action

// Strategy selects the combinator the orchestrator runs the active set with.
type Strategy string

const (
	// Sequential runs one epic at a time (concat): the next starts when the
	// previous completes; a failure aborts the remaining sequence.
	Sequential Strategy = "sequential"
	// Concurrent starts all active epics simultaneously (merge) and fans in
	// their emissions; a failure from any one cancels all siblings.
	Concurrent Strategy = "concurrent"
)

const feedBuffer = 16

type activeEpic struct {
	key  uintptr
	epic Epic
}

// Orchestrator owns the runtime-mutable set of active epics and the live
// action/state subjects they observe. It moves between idle (no epics),
// running (one live combined run), and reconfiguring (a RUN_ENTITIES or
// STOP_ENTITIES arrived) states.
type Orchestrator struct {
	logger   *zap.Logger
	strategy Strategy
	baseCtx  context.Context

	actions *stream.Subject[model.Action]
	states  *stream.Subject[any]

	mu        sync.Mutex
	active    []activeEpic
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewOrchestrator creates an orchestrator whose combined runs live under ctx.
func NewOrchestrator(ctx context.Context, strategy Strategy, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strategy == "" {
		strategy = Concurrent
	}
	return &Orchestrator{
		logger:   logger,
		strategy: strategy,
		baseCtx:  ctx,
		actions:  stream.NewSubject[model.Action](),
		states:   stream.NewSubject[any](),
	}
}

// RunEpics builds the control action that adds epics to the active set.
func RunEpics(eps ...Epic) model.Action {
	return model.Action{Type: model.TypeRunEntities, Payload: eps}
}

// StopEpics builds the control action that removes epics from the active set.
func StopEpics(eps ...Epic) model.Action {
	return model.Action{Type: model.TypeStopEntities, Payload: eps}
}

// Middleware wires the orchestrator into the dispatch pipeline. It consumes
// the epic control actions and re-broadcasts every other dispatched action,
// along with the latest snapshot, into the live feeds all active epics share.
func (o *Orchestrator) Middleware() store.Middleware {
	return func(api store.MiddlewareAPI) func(next store.Dispatch) store.Dispatch {
		return func(next store.Dispatch) store.Dispatch {
			return func(ctx context.Context, a model.Action) {
				switch a.Type {
				case model.TypeRunEntities:
					if eps, ok := epicsOf(a.Payload); ok {
						o.add(api, eps)
						return
					}
					// not our payload, but control actions never enter the feeds
					next(ctx, a)
					return
				case model.TypeStopEntities:
					if eps, ok := epicsOf(a.Payload); ok {
						o.remove(api, eps)
						return
					}
					next(ctx, a)
					return
				}
				next(ctx, a)
				o.actions.Next(ctx, a)
				o.states.Next(ctx, api.GetState())
			}
		}
	}
}

// ActiveCount returns the size of the active epic set.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Close tears down the current combined run and both feeds.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	cancel, done := o.runCancel, o.runDone
	o.runCancel, o.runDone = nil, nil
	o.active = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	o.actions.Close()
	o.states.Close()
}

func epicsOf(payload any) ([]Epic, bool) {
	switch p := payload.(type) {
	case []Epic:
		return p, true
	case Epic:
		return []Epic{p}, true
	default:
		return nil, false
	}
}

func epicKey(e Epic) uintptr {
	return reflect.ValueOf(e).Pointer()
}

// add extends the active set, de-duplicated by function identity; adding an
// already-active epic is a no-op.
func (o *Orchestrator) add(api store.MiddlewareAPI, eps []Epic) {
	o.mu.Lock()
	changed := false
	for _, e := range eps {
		if e == nil {
			continue
		}
		key := epicKey(e)
		dup := false
		for _, ae := range o.active {
			if ae.key == key {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		o.active = append(o.active, activeEpic{key: key, epic: e})
		changed = true
	}
	o.mu.Unlock()
	if changed {
		o.reconfigure(api)
	}
}

func (o *Orchestrator) remove(api store.MiddlewareAPI, eps []Epic) {
	o.mu.Lock()
	changed := false
	for _, e := range eps {
		if e == nil {
			continue
		}
		key := epicKey(e)
		for i, ae := range o.active {
			if ae.key == key {
				o.active = append(o.active[:i], o.active[i+1:]...)
				changed = true
				break
			}
		}
	}
	o.mu.Unlock()
	if changed {
		o.reconfigure(api)
	}
}

// reconfigure tears down the previous combined subscription, then builds a
// fresh one over the current active set.
func (o *Orchestrator) reconfigure(api store.MiddlewareAPI) {
	o.mu.Lock()
	prevCancel, prevDone := o.runCancel, o.runDone
	o.runCancel, o.runDone = nil, nil
	o.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.active) == 0 {
		return
	}
	snapshot := make([]activeEpic, len(o.active))
	copy(snapshot, o.active)

	runCtx, cancel := context.WithCancel(o.baseCtx)
	done := make(chan struct{})
	o.runCancel, o.runDone = cancel, done

	switch o.strategy {
	case Sequential:
		go o.runConcat(runCtx, done, api, snapshot)
	default:
		go o.runMerge(runCtx, done, api, snapshot)
	}
}

// runMerge starts all epics simultaneously, each tracked by its own stack
// instruction, and fans their emissions back into dispatch. The run completes
// when every epic has completed; a failure from any one cancels the siblings.
func (o *Orchestrator) runMerge(
	ctx context.Context,
	done chan struct{},
	api store.MiddlewareAPI,
	snapshot []activeEpic,
) {
	defer close(done)

	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	deps := api.Dependencies()
	var wg sync.WaitGroup
	for _, ae := range snapshot {
		wg.Add(1)
		go func(ae activeEpic) {
			defer wg.Done()
			if failed := o.runOne(ctx, api, deps, ae); failed {
				cancelAll()
			}
		}(ae)
	}
	wg.Wait()
}

// runConcat runs one epic at a time; an error aborts the remaining sequence.
func (o *Orchestrator) runConcat(
	ctx context.Context,
	done chan struct{},
	api store.MiddlewareAPI,
	snapshot []activeEpic,
) {
	defer close(done)

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	deps := api.Dependencies()
	for _, ae := range snapshot {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if failed := o.runOne(ctx, api, deps, ae); failed {
			o.logger.Error("sequential epic failed, aborting remaining sequence")
			return
		}
	}
}

// runOne subscribes the epic to the live feeds, records it on the execution
// stack, and pumps its emissions back into dispatch tagged with the epic's
// instruction as provenance. The stack entry is removed on every exit path.
func (o *Orchestrator) runOne(
	ctx context.Context,
	api store.MiddlewareAPI,
	deps model.Dependencies,
	ae activeEpic,
) (failed bool) {
	actionCh, unsubActions := o.actions.Subscribe(feedBuffer)
	stateCh, unsubStates := o.states.Subscribe(feedBuffer)
	go func() {
		// Cancellation closes the feeds so the epic sees exhausted inputs
		// and terminates; teardown stays idempotent.
		<-ctx.Done()
		unsubActions()
		unsubStates()
	}()
	defer unsubActions()
	defer unsubStates()

	inst := exec.NewInstruction(exec.KindEpic, ae.epic)
	api.Stack.Add(inst)
	defer func() {
		api.Stack.Remove(inst)
		o.logger.Debug("epic finished",
			zap.String("instruction", inst.ID),
			zap.Duration("ran", inst.Age()))
	}()

	out := o.invoke(ctx, ae, actionCh, stateCh, deps)
	if out == nil {
		return true
	}
	for emitted := range out {
		if emitted.Err != nil {
			o.logger.Error("epic pipeline failed",
				zap.String("instruction", inst.ID),
				zap.Error(emitted.Err))
			return true
		}
		emitted.Source = inst
		api.Dispatch(ctx, emitted)
	}
	return false
}

// invoke guards the epic invocation itself; a panic counts as failure.
func (o *Orchestrator) invoke(
	ctx context.Context,
	ae activeEpic,
	actions <-chan model.Action,
	states <-chan any,
	deps model.Dependencies,
) (out <-chan model.Action) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic while starting epic", zap.Any("error", r))
			out = nil
		}
	}()
	return ae.epic(ctx, actions, states, deps)
}
