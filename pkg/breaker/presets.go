package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ResourceDiscovery is tuned for listing or locating remote resources
func ResourceDiscovery(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenTimeout:  10 * time.Second,
	}
}

// HealthCheck is tuned for periodic health probes
func HealthCheck(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenTimeout:  5 * time.Second,
	}
}

// ResourceOperation is tuned for calls that do work on a remote resource,
// such as a completion request to an LLM provider
func ResourceOperation(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenTimeout:  15 * time.Second,
	}
}

// Preset returns the named preset configuration. Unknown names fall back to
// ResourceOperation.
func Preset(preset, name string) Config {
	switch preset {
	case "resource_discovery":
		return ResourceDiscovery(name)
	case "health_check":
		return HealthCheck(name)
	default:
		return ResourceOperation(name)
	}
}

// Registry hands out one breaker per protected resource
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	factory  func(name string) Config
	opts     []Option
}

// NewRegistry creates a registry that builds missing breakers from factory
func NewRegistry(factory func(name string) Config, opts ...Option) *Registry {
	if factory == nil {
		factory = ResourceOperation
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		factory:  factory,
		opts:     opts,
	}
}

// Get returns the breaker for name, creating it if needed
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(r.factory(name), r.opts...)
	r.breakers[name] = cb
	return cb
}

// Stats returns a snapshot for every breaker, keyed by resource name
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	out := make(map[string]Stats, len(names))
	for _, name := range names {
		out[name] = r.Get(name).Stats()
	}
	return out
}

// LogStats writes every breaker's counters to logger
func (r *Registry) LogStats(logger *slog.Logger) {
	for name, st := range r.Stats() {
		logger.Info("circuit breaker stats",
			slog.String("breaker", name),
			slog.String("state", st.State.String()),
			slog.Int64("total_calls", st.TotalCalls),
			slog.Int64("blocked_calls", st.BlockedCalls),
			slog.Int("failure_count", st.FailureCount))
	}
}
