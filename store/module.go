package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/on-the-ground/statekit/model"
	"github.com/on-the-ground/statekit/reducer"
)

// FeatureModule is an independently developed state slice: a reducer (leaf or
// tree), optional seed state, a dependency mapping, and meta-reducers. Once
// passed to LoadModule it is owned by the store until UnloadModule removes it.
type FeatureModule struct {
	// Slice is the unique key under which the module's state lives.
	Slice string

	// Reducer is either a reducer.Reducer or a reducer.Tree.
	Reducer any

	// InitialState, when non-nil, seeds the slice instead of the value the
	// composer derives from the reducers.
	InitialState any

	Dependencies map[string]any

	MetaReducers []reducer.MetaReducer
}

var ErrInvalidModule = errors.New("store: invalid feature module")

// validateModule checks the registration contract once, so module shapes are
// never re-checked ad hoc afterwards.
func validateModule(mod *FeatureModule) error {
	if mod == nil {
		return fmt.Errorf("%w: nil module", ErrInvalidModule)
	}
	if mod.Slice == "" {
		return fmt.Errorf("%w: empty slice key", ErrInvalidModule)
	}
	switch mod.Reducer.(type) {
	case reducer.Reducer, func(context.Context, any, model.Action) (any, error),
		reducer.Tree, map[string]any:
		return nil
	default:
		return fmt.Errorf("%w: slice %q reducer is %T, want Reducer or Tree",
			ErrInvalidModule, mod.Slice, mod.Reducer)
	}
}

// LoadModule attaches a feature module: under the lock it appends the module
// to the registry, re-merges the dependency graph, recomposes the reducer,
// and materializes the new slice's initial state non-destructively into the
// snapshot. Loading a slice key that is already registered is a no-op.
func (s *Store) LoadModule(ctx context.Context, mod *FeatureModule) error {
	if err := validateModule(mod); err != nil {
		s.logger.Warn("module rejected", zap.Error(err))
		return err
	}
	if s.isRegistered(mod.Slice) {
		s.logger.Info("module already loaded, skipping", zap.String("slice", mod.Slice))
		return nil
	}

	err := s.lock.With(ctx, func() error {
		if s.isRegistered(mod.Slice) {
			return nil
		}
		s.regMu.Lock()
		s.modules = append(s.modules, mod)
		s.regMu.Unlock()

		if err := s.recompose(ctx); err != nil {
			s.regMu.Lock()
			s.modules = s.modules[:len(s.modules)-1]
			s.regMu.Unlock()
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.propagate(ctx, s.GetState()); err != nil {
		s.logger.Warn("propagation after module load incomplete",
			zap.String("slice", mod.Slice), zap.Error(err))
	}
	if s.settings.DispatchSystemActions {
		s.Dispatch(ctx, model.Action{Type: model.TypeModuleLoaded, Payload: mod.Slice})
	}
	return nil
}

// UnloadModule detaches the module under the same lock discipline, optionally
// stripping its slice from the snapshot. Unloading a slice that is not
// registered warns and resolves normally; the main module cannot be unloaded.
func (s *Store) UnloadModule(ctx context.Context, mod *FeatureModule, clearState bool) error {
	if mod == nil || !s.isRegistered(mod.Slice) {
		slice := ""
		if mod != nil {
			slice = mod.Slice
		}
		s.logger.Warn("module not registered, nothing to unload", zap.String("slice", slice))
		return nil
	}
	if mod.Slice == s.mainSlice {
		s.logger.Warn("main module cannot be unloaded", zap.String("slice", mod.Slice))
		return nil
	}

	err := s.lock.With(ctx, func() error {
		s.regMu.Lock()
		for i, m := range s.modules {
			if m.Slice == mod.Slice {
				s.modules = append(s.modules[:i], s.modules[i+1:]...)
				break
			}
		}
		s.regMu.Unlock()

		if err := s.recompose(ctx); err != nil {
			return err
		}
		if clearState {
			s.stateMu.Lock()
			s.state = reducer.DeleteAt(s.state, mod.Slice)
			s.stateMu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.propagate(ctx, s.GetState()); err != nil {
		s.logger.Warn("propagation after module unload incomplete",
			zap.String("slice", mod.Slice), zap.Error(err))
	}
	if s.settings.DispatchSystemActions {
		s.Dispatch(ctx, model.Action{Type: model.TypeModuleUnloaded, Payload: mod.Slice})
	}
	return nil
}

// Modules returns the slice keys currently registered, in load order.
func (s *Store) Modules() []string {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	out := make([]string, len(s.modules))
	for i, m := range s.modules {
		out[i] = m.Slice
	}
	return out
}

func (s *Store) isRegistered(slice string) bool {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	for _, m := range s.modules {
		if m.Slice == slice {
			return true
		}
	}
	return false
}

// recompose rebuilds the dependency graph and the composed reducer over the
// current registry, then merges freshly materialized slice states into the
// snapshot without touching existing keys.
func (s *Store) recompose(ctx context.Context) error {
	s.regMu.RLock()
	mods := make([]*FeatureModule, len(s.modules))
	copy(mods, s.modules)
	s.regMu.RUnlock()

	tree := reducer.Tree{}
	var metas []reducer.MetaReducer
	for _, m := range mods {
		tree[m.Slice] = m.Reducer
		metas = append(metas, m.MetaReducers...)
	}

	composer, err := reducer.NewComposer(tree, reducer.Config{
		Logger:            s.logger,
		MetaReducers:      metas,
		ApplyMetaReducers: s.settings.EnableMetaReducers,
		ConcurrentLeaves:  s.settings.EnableAsyncReducers,
	})
	if err != nil {
		return err
	}
	deps := s.mergeDependencies(mods)

	s.regMu.Lock()
	s.composer = composer
	s.deps = deps
	s.regMu.Unlock()

	derived := composer.InitialState(ctx)

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	cur, _ := s.state.(map[string]any)
	next := make(map[string]any, len(cur)+len(mods))
	for k, v := range cur {
		next[k] = v
	}
	for _, m := range mods {
		if _, ok := next[m.Slice]; ok {
			continue
		}
		if m.InitialState != nil {
			next[m.Slice] = m.InitialState
			continue
		}
		if v := reducer.GetAt(derived, m.Slice); v != nil {
			next[m.Slice] = v
		}
	}
	s.state = next
	return nil
}

// mergeDependencies deep-merges module dependency graphs in load order. On a
// name collision the first value encountered is kept and the collision is
// logged; last-writer never wins.
func (s *Store) mergeDependencies(mods []*FeatureModule) model.Dependencies {
	out := model.Dependencies{}
	for _, m := range mods {
		for name, val := range m.Dependencies {
			merged, collided := mergeDepValue(out[name], val)
			if collided {
				s.logger.Warn("dependency name collision, first-loaded module wins",
					zap.String("name", name),
					zap.String("slice", m.Slice))
			}
			out[name] = merged
		}
	}
	return out
}

// mergeDepValue merges val under an existing entry. Nested maps merge
// recursively; anything else keeps the existing value and reports collision.
func mergeDepValue(existing, val any) (any, bool) {
	if existing == nil {
		return val, false
	}
	em, eok := existing.(map[string]any)
	vm, vok := val.(map[string]any)
	if !eok || !vok {
		return existing, true
	}
	merged := make(map[string]any, len(em)+len(vm))
	for k, v := range em {
		merged[k] = v
	}
	collided := false
	for k, v := range vm {
		next, c := mergeDepValue(merged[k], v)
		merged[k] = next
		collided = collided || c
	}
	return merged, collided
}
