package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/on-the-ground/statekit/exec"
	"github.com/on-the-ground/statekit/internal/helper"
	"github.com/on-the-ground/statekit/internal/queue"
	"github.com/on-the-ground/statekit/model"
	"github.com/on-the-ground/statekit/reducer"
)

// Path selects a location in the state tree: string keys and int indices.
// The empty path addresses the whole snapshot.
type Path []any

// Root addresses the whole snapshot, the "*" selector.
var Root = Path{}

// ErrNilTransform signals a configuration error: UpdateState was handed no
// transform, which would otherwise silently no-op.
var ErrNilTransform = errors.New("store: nil transform")

// Store is a single-writer, observable application-state container. Exactly
// one authoritative snapshot exists at any instant; snapshots are replaced
// wholesale, never mutated in place, so readers observe either the prior or
// the next snapshot.
type Store struct {
	id       string
	settings Settings
	logger   *zap.Logger

	lock    *exec.Lock
	stack   *exec.Stack
	tracker *exec.Tracker

	stateMu sync.RWMutex
	state   any

	// registry fields are mutated only inside a lock-held critical section;
	// regMu publishes them to concurrent readers.
	regMu     sync.RWMutex
	modules   []*FeatureModule
	mainSlice string
	deps      model.Dependencies
	composer  *reducer.Composer

	dispatch Dispatch

	subMu sync.Mutex
	subs  map[string]func(snapshot any)

	notifier     queue.Dispatcher[notification]
	notifyCtx    context.Context
	notifyCancel context.CancelFunc

	enhancers []Enhancer
}

// Option customizes store construction.
type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSettings(settings Settings) Option {
	return func(s *Store) { s.settings = settings }
}

func WithEnhancers(enhancers ...Enhancer) Option {
	return func(s *Store) { s.enhancers = append(s.enhancers, enhancers...) }
}

// New creates a store seeded with the main module, which is always present
// and cannot be unloaded. Enhancers compose around the raw dispatch; an empty
// ApplyMiddleware() is inserted when none is supplied, so the starter
// middleware is always part of the pipeline.
func New(main FeatureModule, opts ...Option) (*Store, error) {
	s := &Store{
		id:       uuid.New().String(),
		settings: DefaultSettings(),
		logger:   zap.NewNop(),
		lock:     exec.NewLock(),
		stack:    exec.NewStack(),
		subs:     make(map[string]func(any)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = exec.NewTracker(s.settings.PropagationTimeout)

	s.notifyCtx, s.notifyCancel = context.WithCancel(context.Background())
	workers := s.settings.NotifierWorkers
	if workers <= 1 {
		// one worker needs no partitioning, delivery is globally ordered
		s.notifier = queue.NewSingle[notification](
			s.notifyCtx,
			s.settings.NotifierBuffer,
			s.handleNotification,
		)
	} else {
		s.notifier = queue.NewPartitioned[notification](
			s.notifyCtx,
			workers,
			s.settings.NotifierBuffer,
			s.handleNotification,
		)
	}

	if err := validateModule(&main); err != nil {
		return nil, fmt.Errorf("main module: %w", err)
	}
	s.modules = []*FeatureModule{&main}
	s.mainSlice = main.Slice

	ctx := context.Background()
	if err := s.recompose(ctx); err != nil {
		return nil, err
	}

	enhancer := CombineEnhancers(s.enhancers...)
	s.dispatch = enhancer.apply(s, s.baseDispatch)

	if s.settings.DispatchSystemActions {
		s.Dispatch(ctx, model.Action{Type: model.TypeInitializeState})
		s.Dispatch(ctx, model.Action{Type: model.TypeStoreInitialized})
	}
	return s, nil
}

// ID returns the unique identity of this store instance.
func (s *Store) ID() string { return s.id }

// Strategy returns the dispatch sequencing strategy in effect.
func (s *Store) Strategy() Strategy { return s.settings.Strategy() }

// Lock exposes the shared structural-mutation lock.
func (s *Store) Lock() *exec.Lock { return s.lock }

// Stack exposes the shared in-flight instruction ledger.
func (s *Store) Stack() *exec.Stack { return s.stack }

// Tracker exposes the propagation completion barrier.
func (s *Store) Tracker() *exec.Tracker { return s.tracker }

// Dependencies returns the merged dependency graph of all loaded modules.
func (s *Store) Dependencies() model.Dependencies {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	out := make(model.Dependencies, len(s.deps))
	for k, v := range s.deps {
		out[k] = v
	}
	return out
}

// GetState returns the sub-state at path, nil on any missing intermediate
// segment. With no path it returns the whole snapshot.
func (s *Store) GetState(path ...any) any {
	s.stateMu.RLock()
	snap := s.state
	s.stateMu.RUnlock()
	return reducer.GetAt(snap, path...)
}

// SelectAs reads the sub-state at path asserted to T.
func SelectAs[T any](s *Store, path ...any) (T, error) {
	return helper.TypedOf[T](func() (any, error) {
		v := s.GetState(path...)
		if v == nil {
			return nil, fmt.Errorf("no state at path %v", path)
		}
		return v, nil
	})
}

// SetState replaces the value at path with structural sharing, installs the
// new snapshot, and, when AwaitStatePropagation is enabled, suspends until
// every subscriber has reacted or the propagation timeout elapses. On timeout
// the error is returned but the new snapshot remains installed.
func (s *Store) SetState(ctx context.Context, path Path, value any) error {
	snap := s.installAt(path, value)
	err := s.propagate(ctx, snap)

	if s.settings.DispatchSystemActions {
		s.Dispatch(ctx, model.Action{Type: model.TypeUpdateState})
	}
	return err
}

// UpdateState reads the current value at path, applies transform, and writes
// the result via SetState. A nil transform fails fast with ErrNilTransform
// and performs no write.
func (s *Store) UpdateState(
	ctx context.Context,
	path Path,
	transform func(ctx context.Context, value any) (any, error),
) error {
	if transform == nil {
		s.logger.Warn("update rejected: nil transform", zap.String("store", s.id))
		return ErrNilTransform
	}
	next, err := transform(ctx, s.GetState(path...))
	if err != nil {
		return err
	}
	return s.SetState(ctx, path, next)
}

// Dispatch validates the action at the boundary and runs it through the
// middleware pipeline. Malformed actions are logged and dropped; Dispatch
// never panics past this point and never fails the caller.
func (s *Store) Dispatch(ctx context.Context, a model.Action) {
	if err := model.Validate(a); err != nil {
		s.logger.Warn("action rejected at dispatch boundary",
			zap.String("type", a.Type),
			zap.Error(err))
		return
	}
	s.dispatch(ctx, a)
}

// baseDispatch is the raw dispatch terminating the middleware pipeline: it
// applies the composed reducer to the then-current snapshot and installs the
// result. A reducer failure is isolated at the composer level; the snapshot
// simply stays.
func (s *Store) baseDispatch(ctx context.Context, a model.Action) {
	s.regMu.RLock()
	composer := s.composer
	s.regMu.RUnlock()

	prev := s.GetState()
	next := composer.Apply(ctx, prev, a)
	if reducer.SameRef(prev, next) {
		return
	}

	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()

	if err := s.propagate(ctx, next); err != nil {
		s.logger.Warn("state propagation incomplete after dispatch",
			zap.String("type", a.Type),
			zap.Error(err))
	}
}

// Subscribe registers fn to observe every installed snapshot. Notifications
// for one subscription are delivered in order; distinct subscriptions fan out
// across the notifier workers. The returned function unsubscribes and is
// idempotent. Under the exclusive strategy a subscriber must not dispatch
// synchronously from its callback while propagation is awaited.
func (s *Store) Subscribe(fn func(snapshot any)) (unsubscribe func()) {
	handle := uuid.New().String()
	s.subMu.Lock()
	s.subs[handle] = fn
	s.subMu.Unlock()
	s.tracker.Track(handle)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, handle)
			s.subMu.Unlock()
			s.tracker.Complete(handle)
		})
	}
}

// WaitForIdle suspends until no raw dispatch is mid-flight.
func (s *Store) WaitForIdle(ctx context.Context) error {
	return s.stack.WaitForIdle(ctx)
}

// WaitForEmpty suspends until no instruction of any kind is in flight.
func (s *Store) WaitForEmpty(ctx context.Context) error {
	return s.stack.WaitForEmpty(ctx)
}

// Close stops the notifier workers. The snapshot stays readable.
func (s *Store) Close() {
	s.notifyCancel()
}

func (s *Store) middlewareAPI() MiddlewareAPI {
	return MiddlewareAPI{
		Dispatch:     func(ctx context.Context, a model.Action) { s.Dispatch(ctx, a) },
		GetState:     s.GetState,
		Dependencies: s.Dependencies,
		Strategy:     s.Strategy,
		Lock:         s.lock,
		Stack:        s.stack,
	}
}

func (s *Store) installAt(path Path, value any) any {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = reducer.SetAt(s.state, value, path...)
	return s.state
}
