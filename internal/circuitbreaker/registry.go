package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry owns one breaker per downstream name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	base     Config
	logger   *zap.Logger
	opts     []Option
}

// NewRegistry creates breakers on demand from base (its Name is replaced).
func NewRegistry(base Config, logger *zap.Logger, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		base:     base,
		logger:   logger,
		opts:     opts,
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cfg := r.base
	cfg.Name = name
	cb := New(cfg, r.logger, r.opts...)
	r.breakers[name] = cb
	return cb
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Snapshot returns the stats of every breaker, ordered by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
