package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/on-the-ground/statekit/exec"
)

// Action is a typed message describing an intended state transition. Type is
// the only required field; everything else is carried opaquely to reducers,
// middleware and effect pipelines.
type Action struct {
	Type    string
	Payload any
	Meta    any
	Err     error

	// Source is the instruction of the effect pipeline that emitted this
	// action, when it re-entered dispatch from an epic or saga.
	Source *exec.Instruction
}

var ErrMalformedAction = errors.New("malformed action")

// Validate enforces the action contract at the dispatch boundary: Type must
// be a non-empty, non-blank string. Nothing else re-checks this.
func Validate(a Action) error {
	if strings.TrimSpace(a.Type) == "" {
		return fmt.Errorf("%w: empty type", ErrMalformedAction)
	}
	return nil
}

// Dependencies is the merged dependency graph injected into middleware,
// epics and sagas.
type Dependencies map[string]any

// Reserved system action types, optionally suppressed via settings.
const (
	TypeInitializeState  = "INITIALIZE_STATE"
	TypeUpdateState      = "UPDATE_STATE"
	TypeStoreInitialized = "STORE_INITIALIZED"
	TypeModuleLoaded     = "MODULE_LOADED"
	TypeModuleUnloaded   = "MODULE_UNLOADED"
)

// Control action types consumed by the effect orchestrators, never by
// application reducers.
const (
	TypeRunEntities  = "RUN_ENTITIES"
	TypeStopEntities = "STOP_ENTITIES"
)

// IsSystemType reports whether t is one of the reserved lifecycle types.
func IsSystemType(t string) bool {
	switch t {
	case TypeInitializeState, TypeUpdateState, TypeStoreInitialized,
		TypeModuleLoaded, TypeModuleUnloaded:
		return true
	}
	return false
}
