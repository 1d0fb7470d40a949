package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tcmartin/routinerunner/pkg/breaker"
)

// ServiceState is the registry's view of a provider's health
type ServiceState string

const (
	StateActive   ServiceState = "active"
	StateCooldown ServiceState = "cooldown"
	StateDisabled ServiceState = "disabled"
)

// DefaultCooldown applies when a rate-limited provider gives no Retry-After
const DefaultCooldown = 60 * time.Second

// ProviderRegistry is the health-tracking registry the router consults
type ProviderRegistry interface {
	GetBestService(model string) (Service, error)
	GetService(id string) (Service, error)
	UpdateServiceState(id string, kind ErrorKind)
}

// ServiceStatus is a snapshot of one registered service
type ServiceStatus struct {
	ID            string        `json:"id"`
	State         ServiceState  `json:"state"`
	CooldownUntil time.Time     `json:"cooldownUntil,omitempty"`
	LastErrorKind ErrorKind     `json:"lastErrorKind,omitempty"`
	Breaker       breaker.Stats `json:"breaker"`
}

type registryEntry struct {
	svc      Service
	guarded  *guardedService
	state    ServiceState
	until    time.Time
	lastKind ErrorKind
}

// ServiceRegistry keeps services in priority order. Every call made through
// a service it hands out runs inside that service's circuit breaker.
type ServiceRegistry struct {
	mu       sync.RWMutex
	entries  []*registryEntry
	byID     map[string]*registryEntry
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger
	breakers *breaker.Registry
}

// RegistryOption configures a ServiceRegistry
type RegistryOption func(*registryOptions)

type registryOptions struct {
	cooldown      time.Duration
	now           func() time.Time
	logger        *slog.Logger
	breakerConfig func(name string) breaker.Config
	breakerOpts   []breaker.Option
}

// WithCooldown sets how long rate-limited or overloaded services rest
func WithCooldown(d time.Duration) RegistryOption {
	return func(o *registryOptions) { o.cooldown = d }
}

// WithRegistryClock replaces time.Now
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(o *registryOptions) { o.now = now }
}

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(o *registryOptions) { o.logger = logger }
}

// WithBreakerConfig overrides the per-service breaker tuning
func WithBreakerConfig(factory func(name string) breaker.Config, opts ...breaker.Option) RegistryOption {
	return func(o *registryOptions) {
		o.breakerConfig = factory
		o.breakerOpts = opts
	}
}

// NewServiceRegistry creates a registry holding services in priority order
func NewServiceRegistry(services []Service, opts ...RegistryOption) *ServiceRegistry {
	o := registryOptions{
		cooldown:      DefaultCooldown,
		now:           time.Now,
		logger:        slog.Default(),
		breakerConfig: breaker.ResourceOperation,
	}
	for _, opt := range opts {
		opt(&o)
	}
	bopts := append([]breaker.Option{breaker.WithClock(o.now), breaker.WithLogger(o.logger)}, o.breakerOpts...)
	r := &ServiceRegistry{
		byID:     make(map[string]*registryEntry),
		cooldown: o.cooldown,
		now:      o.now,
		logger:   o.logger,
		breakers: breaker.NewRegistry(func(name string) breaker.Config {
			return o.breakerConfig("llm:" + name)
		}, bopts...),
	}
	for _, svc := range services {
		r.Register(svc)
	}
	return r
}

// Breakers returns the per-service circuit breakers
func (r *ServiceRegistry) Breakers() *breaker.Registry {
	return r.breakers
}

// Register appends svc at the lowest priority. Re-registering an id
// replaces the service and resets its state.
func (r *ServiceRegistry) Register(svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &registryEntry{
		svc:     svc,
		guarded: &guardedService{Service: svc, cb: r.breakers.Get(svc.ID())},
		state:   StateActive,
	}
	if old, ok := r.byID[svc.ID()]; ok {
		for i, e := range r.entries {
			if e == old {
				r.entries[i] = entry
			}
		}
	} else {
		r.entries = append(r.entries, entry)
	}
	r.byID[svc.ID()] = entry
}

// GetBestService returns the highest-priority usable service supporting
// model. An empty model matches every service.
func (r *ServiceRegistry) GetBestService(model string) (Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, e := range r.entries {
		if !r.usable(e, now) || !supports(e.svc, model) {
			continue
		}
		return e.guarded, nil
	}
	if model == "" {
		return nil, ErrServiceUnavailable
	}
	return nil, fmt.Errorf("%w for model %q", ErrServiceUnavailable, model)
}

// GetService returns the service with id regardless of its health
func (r *ServiceRegistry) GetService(id string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown service %q", ErrServiceUnavailable, id)
	}
	return e.guarded, nil
}

// UpdateServiceState records a failure classification. Rate limits and
// overloads put the service in cooldown; authentication failures disable
// it. Other kinds are left to the service's breaker.
func (r *ServiceRegistry) UpdateServiceState(id string, kind ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return
	}
	e.lastKind = kind
	switch kind {
	case KindRateLimit, KindOverloaded:
		e.state = StateCooldown
		e.until = r.now().Add(r.cooldown)
	case KindAuthentication:
		e.state = StateDisabled
	default:
		return
	}
	r.logger.Warn("llm service state changed",
		slog.String("service", id),
		slog.String("state", string(e.state)),
		slog.String("error_kind", string(kind)))
}

// Enable returns a service to the active state
func (r *ServiceRegistry) Enable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		e.state = StateActive
		e.until = time.Time{}
		e.guarded.cb.Reset()
	}
}

// Statuses lists every service in priority order
func (r *ServiceRegistry) Statuses() []ServiceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]ServiceStatus, 0, len(r.entries))
	for _, e := range r.entries {
		r.usable(e, now)
		out = append(out, ServiceStatus{
			ID:            e.svc.ID(),
			State:         e.state,
			CooldownUntil: e.until,
			LastErrorKind: e.lastKind,
			Breaker:       e.guarded.cb.Stats(),
		})
	}
	return out
}

// usable expires finished cooldowns. Must be called with mu held.
func (r *ServiceRegistry) usable(e *registryEntry, now time.Time) bool {
	if e.state == StateCooldown && !now.Before(e.until) {
		e.state = StateActive
		e.until = time.Time{}
	}
	if e.state != StateActive {
		return false
	}
	stats := e.guarded.cb.Stats()
	return stats.State != breaker.StateOpen || !now.Before(stats.NextAttemptTime)
}

func supports(svc Service, model string) bool {
	models := svc.Models()
	if model == "" || len(models) == 0 {
		return true
	}
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}

// guardedService runs provider calls through a circuit breaker
type guardedService struct {
	Service
	cb *breaker.CircuitBreaker
}

func (g *guardedService) Complete(ctx context.Context, req ServiceRequest) (ServiceResponse, error) {
	return breaker.Do(ctx, g.cb, func(ctx context.Context) (ServiceResponse, error) {
		return g.Service.Complete(ctx, req)
	})
}

// Stream guards opening the stream. The stream outlives the breaker call, so
// it is bound to the caller's ctx rather than the trial ctx. Mid-stream
// failures are reported to the registry by the router.
func (g *guardedService) Stream(ctx context.Context, req ServiceRequest) (EventStream, error) {
	return breaker.Do(ctx, g.cb, func(context.Context) (EventStream, error) {
		return g.Service.Stream(ctx, req)
	})
}
