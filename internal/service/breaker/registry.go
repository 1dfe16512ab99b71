package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds one breaker per logical dependency name so that every
// caller going through the same dependency shares its state.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Config
	logger   *zap.Logger
}

// NewRegistry creates a registry whose Get applies defaults to new breakers.
func NewRegistry(defaults Config, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it with the registry defaults
// on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.defaults, r.logger)
	r.breakers[name] = b
	return b
}

// Configure registers a breaker for name with an explicit config, replacing
// any existing one.
func (r *Registry) Configure(name string, config Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := New(name, config, r.logger)
	r.breakers[name] = b
	return b
}

// Health snapshots every registered breaker, keyed by dependency name.
func (r *Registry) Health() map[string]HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]HealthStatus, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.HealthStatus()
	}
	return out
}

// ResetAll returns every breaker to closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
