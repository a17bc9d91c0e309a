package store

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings is the immutable store configuration, read once at construction
// and consulted per operation.
type Settings struct {
	DispatchSystemActions     bool `env:"STATEKIT_DISPATCH_SYSTEM_ACTIONS" envDefault:"true"`
	AwaitStatePropagation     bool `env:"STATEKIT_AWAIT_STATE_PROPAGATION" envDefault:"true"`
	EnableMetaReducers        bool `env:"STATEKIT_ENABLE_META_REDUCERS" envDefault:"true"`
	EnableAsyncReducers       bool `env:"STATEKIT_ENABLE_ASYNC_REDUCERS" envDefault:"false"`
	ExclusiveActionProcessing bool `env:"STATEKIT_EXCLUSIVE_ACTION_PROCESSING" envDefault:"false"`

	// PropagationTimeout bounds the completion barrier of SetState when
	// AwaitStatePropagation is enabled.
	PropagationTimeout time.Duration `env:"STATEKIT_PROPAGATION_TIMEOUT" envDefault:"30s"`

	// NotifierWorkers and NotifierBuffer size the partitioned queue that
	// fans snapshots out to subscribers.
	NotifierWorkers int `env:"STATEKIT_NOTIFIER_WORKERS" envDefault:"4"`
	NotifierBuffer  int `env:"STATEKIT_NOTIFIER_BUFFER" envDefault:"16"`
}

func DefaultSettings() Settings {
	return Settings{
		DispatchSystemActions:     true,
		AwaitStatePropagation:     true,
		EnableMetaReducers:        true,
		EnableAsyncReducers:       false,
		ExclusiveActionProcessing: false,
		PropagationTimeout:        30 * time.Second,
		NotifierWorkers:           4,
		NotifierBuffer:            16,
	}
}

// SettingsFromEnv parses STATEKIT_-prefixed settings from the environment,
// falling back to the documented defaults.
func SettingsFromEnv() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return DefaultSettings(), err
	}
	return s, nil
}

// Strategy derives the dispatch sequencing strategy from the settings.
func (s Settings) Strategy() Strategy {
	if s.ExclusiveActionProcessing {
		return StrategyExclusive
	}
	return StrategyConcurrent
}
