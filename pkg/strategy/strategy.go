// Package strategy executes single routine steps. A Registry picks the
// strategy for a step; every strategy reports failure as a Result rather
// than an error so resource usage is never lost.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/tcmartin/routinerunner/pkg/events"
)

var (
	ErrNoStrategy           = errors.New("no applicable strategy")
	ErrMissingRequiredInput = errors.New("missing required input")
	ErrStepTimeout          = errors.New("step exceeded max time")
)

// PanicError wraps a panic raised inside a strategy
type PanicError struct {
	Strategy string
	Value    interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("strategy %s panicked: %v", e.Strategy, e.Value)
}

// Constraints bound one step execution
type Constraints struct {
	MaxTime    time.Duration `json:"maxTime,omitempty"`
	MaxTokens  int           `json:"maxTokens,omitempty"`
	MaxCredits *big.Int      `json:"maxCredits,omitempty"`
}

// Resources are what the step may draw on
type Resources struct {
	AccountID        string   `json:"accountId,omitempty"`
	UserID           string   `json:"userId,omitempty"`
	AvailableCredits *big.Int `json:"availableCredits,omitempty"`
	Model            string   `json:"model,omitempty"`
}

// HistoryEntry summarizes an earlier step of the same run
type HistoryEntry struct {
	StepID  string                 `json:"stepId"`
	Success bool                   `json:"success"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}

// ExecutionContext is one step invocation. Strategies must not mutate it.
type ExecutionContext struct {
	RunID       string                 `json:"runId"`
	StepID      string                 `json:"stepId"`
	StepName    string                 `json:"stepName,omitempty"`
	StepType    string                 `json:"stepType"`
	Inputs      map[string]interface{} `json:"inputs"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Resources   Resources              `json:"resources"`
	History     []HistoryEntry         `json:"history,omitempty"`
	Constraints Constraints            `json:"constraints"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ResourceUsage is the non-negative cost of one execution
type ResourceUsage struct {
	Credits  int64         `json:"credits"`
	Tokens   int           `json:"tokens"`
	Duration time.Duration `json:"duration"`
}

// Add accumulates other into u
func (u *ResourceUsage) Add(other ResourceUsage) {
	u.Credits += other.Credits
	u.Tokens += other.Tokens
	u.Duration += other.Duration
}

// Result is the terminal outcome of one step attempt
type Result struct {
	Success  bool                   `json:"success"`
	Outputs  map[string]interface{} `json:"outputs,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Err      error                  `json:"-"`
	Usage    ResourceUsage          `json:"resourceUsage"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Strategy executes steps of the types it claims
type Strategy interface {
	Name() string
	IsApplicable(ec *ExecutionContext) bool
	Execute(ctx context.Context, ec *ExecutionContext) Result
}

// executeFunc is what a concrete strategy implements. It may add to meta.
type executeFunc func(ctx context.Context, ec *ExecutionContext, meta map[string]interface{}) (map[string]interface{}, ResourceUsage, error)

// base carries the cross-cutting work shared by all strategies: lifecycle
// events, timing, panic recovery and failure wrapping.
type base struct {
	name      string
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func newBase(name string, publisher events.Publisher, logger *slog.Logger) base {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return base{name: name, publisher: publisher, logger: logger, now: time.Now}
}

func (b *base) Name() string { return b.name }

func (b *base) run(ctx context.Context, ec *ExecutionContext, fn executeFunc) (res Result) {
	start := b.now()
	meta := map[string]interface{}{
		"strategy": b.name,
		"stepId":   ec.StepID,
	}
	b.emit(ctx, events.StepStarted, ec, map[string]interface{}{"strategy": b.name})

	var (
		outputs map[string]interface{}
		usage   ResourceUsage
		err     error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Strategy: b.name, Value: r}
			}
		}()
		outputs, usage, err = fn(ctx, ec, meta)
	}()

	if usage.Duration <= 0 {
		usage.Duration = b.now().Sub(start)
	}
	if usage.Credits < 0 {
		usage.Credits = 0
	}
	if usage.Tokens < 0 {
		usage.Tokens = 0
	}
	meta["durationMs"] = usage.Duration.Milliseconds()

	if err != nil {
		b.logger.Warn("step failed",
			slog.String("run_id", ec.RunID),
			slog.String("step_id", ec.StepID),
			slog.String("strategy", b.name),
			slog.String("error", err.Error()))
		b.emit(ctx, events.StepFailed, ec, map[string]interface{}{
			"strategy": b.name,
			"error":    err.Error(),
			"tokens":   usage.Tokens,
			"credits":  usage.Credits,
		})
		return Result{Success: false, Error: err.Error(), Err: err, Usage: usage, Metadata: meta}
	}

	b.emit(ctx, events.StepCompleted, ec, map[string]interface{}{
		"strategy":   b.name,
		"tokens":     usage.Tokens,
		"credits":    usage.Credits,
		"durationMs": usage.Duration.Milliseconds(),
	})
	return Result{Success: true, Outputs: outputs, Usage: usage, Metadata: meta}
}

func (b *base) emit(ctx context.Context, typ string, ec *ExecutionContext, data map[string]interface{}) {
	data["step_id"] = ec.StepID
	data["step_type"] = ec.StepType
	evt := events.New(typ, "strategy", ec.RunID, data)
	// Event delivery must not fail the step.
	if err := b.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		b.logger.Warn("failed to publish step event",
			slog.String("event_type", typ),
			slog.String("error", err.Error()))
	}
}

type registration struct {
	predicate func(*ExecutionContext) bool
	strategy  Strategy
}

// Registry selects strategies in registration order; the first whose
// predicate accepts the context wins
type Registry struct {
	mu      sync.RWMutex
	entries []registration
}

// NewRegistry creates a registry holding strategies in the given order
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register appends s, selected by its own IsApplicable
func (r *Registry) Register(s Strategy) {
	r.RegisterFunc(s.IsApplicable, s)
}

// RegisterFunc appends s behind a custom predicate
func (r *Registry) RegisterFunc(predicate func(*ExecutionContext) bool, s Strategy) {
	r.mu.Lock()
	r.entries = append(r.entries, registration{predicate: predicate, strategy: s})
	r.mu.Unlock()
}

// Select returns the first applicable strategy
func (r *Registry) Select(ec *ExecutionContext) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.predicate(ec) {
			return e.strategy, nil
		}
	}
	return nil, fmt.Errorf("%w for step %s of type %q", ErrNoStrategy, ec.StepID, ec.StepType)
}

// Names lists registered strategies in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.strategy.Name()
	}
	return names
}
