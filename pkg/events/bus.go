package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed bus
var ErrBusClosed = errors.New("event bus closed")

// Handler receives delivered events
type Handler func(ctx context.Context, evt Event) error

// Publisher is the side of the bus strategies and the engine depend on
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Bus provides pub/sub fan-out
type Bus interface {
	Publisher
	// Subscribe registers handler for the given types; no types means all
	Subscribe(handler Handler, types ...string) Subscription
	Close() error
}

// Subscription is an active subscription
type Subscription interface {
	Unsubscribe()
}

// BusConfig configures a LocalBus
type BusConfig struct {
	// BufferSize is the per-subscription queue length. Default 256.
	BufferSize int
	// NonBlocking drops events for subscribers whose queue is full
	NonBlocking bool
	Logger      *slog.Logger
}

// LocalBus is an in-memory Bus. Each subscription delivers in publish order
// on its own goroutine.
type LocalBus struct {
	config BusConfig
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[int64]*subscription

	nextID  atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

type subscription struct {
	id      int64
	types   map[string]bool
	handler Handler
	events  chan Event
	done    chan struct{}
	once    sync.Once
	bus     *LocalBus
}

// NewBus creates a local bus
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		config:  config,
		logger:  logger,
		subs:    make(map[int64]*subscription),
		closeCh: make(chan struct{}),
	}
}

// Publish delivers evt to every matching subscription
func (b *LocalBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	b.mu.RLock()
	var targets []*subscription
	for _, s := range b.subs {
		if len(s.types) == 0 || s.types[evt.Type] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if b.config.NonBlocking {
			select {
			case s.events <- evt:
			case <-s.done:
			default:
				b.logger.Warn("dropping event for slow subscriber",
					slog.String("event_type", evt.Type),
					slog.Int64("subscription", s.id))
			}
			continue
		}
		select {
		case s.events <- evt:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return ErrBusClosed
		}
	}
	return nil
}

// Subscribe registers a handler. It returns nil once the bus is closed.
func (b *LocalBus) Subscribe(handler Handler, types ...string) Subscription {
	if b.closed.Load() {
		return nil
	}
	s := &subscription{
		id:      b.nextID.Add(1),
		types:   make(map[string]bool, len(types)),
		handler: handler,
		events:  make(chan Event, b.config.BufferSize),
		done:    make(chan struct{}),
		bus:     b,
	}
	for _, t := range types {
		s.types[t] = true
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go s.run()
	return s
}

func (s *subscription) run() {
	defer s.bus.wg.Done()
	for {
		select {
		case evt := <-s.events:
			if err := s.handler(context.Background(), evt); err != nil {
				s.bus.logger.Warn("event handler failed",
					slog.String("event_type", evt.Type),
					slog.String("event_id", evt.ID),
					slog.String("error", err.Error()))
			}
		case <-s.done:
			return
		}
	}
}

// Unsubscribe stops delivery. Queued events are discarded.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
}

// Close unsubscribes everyone and waits for handlers to return
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closeCh)

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	b.wg.Wait()
	return nil
}

// Recorder is a Publisher that keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
