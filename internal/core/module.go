package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Module is a background component with its own lifecycle, such as the
// security monitor or the quarantine retention sweeper.
type Module interface {
	// Name returns the unique name of the module.
	Name() string
	// Start launches the module's background work. It must not block.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the module.
	Stop() error
}

// ModuleRegistry manages module registration and lifecycle.
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]Module
	order   []string
	started map[string]bool
	logger  zerolog.Logger
}

// NewModuleRegistry creates a new ModuleRegistry.
func NewModuleRegistry(logger zerolog.Logger) *ModuleRegistry {
	return &ModuleRegistry{
		modules: make(map[string]Module),
		order:   make([]string, 0),
		started: make(map[string]bool),
		logger:  logger.With().Str("component", "module_registry").Logger(),
	}
}

// Register adds a module to the registry.
func (r *ModuleRegistry) Register(mod Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := mod.Name()
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}

	r.modules[name] = mod
	r.order = append(r.order, name)
	r.logger.Info().Str("module", name).Msg("module registered")
	return nil
}

// Get returns a module by name.
func (r *ModuleRegistry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.modules[name]
	return mod, ok
}

// All returns all registered modules in registration order.
func (r *ModuleRegistry) All() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Module, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.modules[name])
	}
	return result
}

// StartAll starts all registered modules in registration order. On failure
// the modules already started are stopped again.
func (r *ModuleRegistry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		mod := r.modules[name]
		r.logger.Info().Str("module", name).Msg("starting module")
		if err := mod.Start(ctx); err != nil {
			r.stopLocked()
			return fmt.Errorf("failed to start module %q: %w", name, err)
		}
		r.started[name] = true
	}
	return nil
}

// StopAll stops all started modules in reverse order.
func (r *ModuleRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *ModuleRegistry) stopLocked() {
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if !r.started[name] {
			continue
		}
		r.logger.Info().Str("module", name).Msg("stopping module")
		if err := r.modules[name].Stop(); err != nil {
			r.logger.Error().Err(err).Str("module", name).Msg("error stopping module")
		}
		delete(r.started, name)
	}
}

// Count returns the number of registered modules.
func (r *ModuleRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}
