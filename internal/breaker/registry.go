package breaker

import (
	"sort"
	"sync"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/rs/zerolog"
)

// Registry hands out one Breaker per dependency name, created on first use
// from the configured settings.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]core.BreakerConfig
	metrics  *core.Metrics
	logger   zerolog.Logger
}

func NewRegistry(configs map[string]core.BreakerConfig, metrics *core.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		configs:  copyConfigs(configs),
		metrics:  metrics,
		logger:   logger,
	}
}

func copyConfigs(in map[string]core.BreakerConfig) map[string]core.BreakerConfig {
	out := make(map[string]core.BreakerConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *Registry) configFor(name string) core.BreakerConfig {
	if c, ok := r.configs[name]; ok {
		return c
	}
	return core.DefaultBreakerConfig()
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.configFor(name), r.metrics, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshot returns the status of every breaker, sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, b := range all {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reconfigure installs new per-dependency settings and applies them to the
// existing breakers. It returns the names of the breakers that changed.
func (r *Registry) Reconfigure(configs map[string]core.BreakerConfig) []string {
	r.mu.Lock()
	r.configs = copyConfigs(configs)
	existing := make(map[string]*Breaker, len(r.breakers))
	for k, b := range r.breakers {
		existing[k] = b
	}
	r.mu.Unlock()

	var changed []string
	for name, b := range existing {
		r.mu.Lock()
		cfg := r.configFor(name)
		r.mu.Unlock()
		if b.Reconfigure(cfg) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}
