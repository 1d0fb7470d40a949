// Package engine runs routines. It walks the locations handed out by a
// navigator, executes each step through the strategy registry, charges the
// step's credits and records the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/events"
	"github.com/tcmartin/routinerunner/pkg/ioproc"
	"github.com/tcmartin/routinerunner/pkg/models"
	"github.com/tcmartin/routinerunner/pkg/navigator"
	"github.com/tcmartin/routinerunner/pkg/observability"
	"github.com/tcmartin/routinerunner/pkg/storage"
	"github.com/tcmartin/routinerunner/pkg/strategy"
)

const (
	DefaultMaxSteps    = 1000
	DefaultMaxParallel = 8

	source = "engine"
)

var (
	ErrNoConfig         = errors.New("routine config is required")
	ErrNoAccount        = errors.New("account id is required")
	ErrMaxStepsExceeded = errors.New("run exceeded max steps")
	ErrCreditLimit      = errors.New("run credit limit reached")
	ErrRunNotActive     = errors.New("run is not active")
)

// CreditLedger is the part of the credit service the engine charges through.
// *credits.Service implements it.
type CreditLedger interface {
	AvailableCredits(ctx context.Context, accountID string) (*big.Int, error)
	Spend(ctx context.Context, accountID string, amount *big.Int, meta map[string]string) (credits.Entry, error)
}

// RunRequest starts one run of a routine
type RunRequest struct {
	// RunID is generated when empty
	RunID     string                   `json:"runId,omitempty"`
	AccountID string                   `json:"accountId"`
	User      ioproc.UserData          `json:"user"`
	Config    *navigator.RoutineConfig `json:"config"`
	Inputs    map[string]interface{}   `json:"inputs,omitempty"`

	// Constraints apply to the whole run. MaxCredits caps the run's total
	// charge; the other limits are step defaults.
	Constraints strategy.Constraints `json:"-"`
}

// StepResult records one executed step
type StepResult struct {
	StepID   string                 `json:"stepId"`
	StepType string                 `json:"stepType"`
	Strategy string                 `json:"strategy,omitempty"`
	Success  bool                   `json:"success"`
	Outputs  map[string]interface{} `json:"outputs,omitempty"`
	Usage    strategy.ResourceUsage `json:"usage"`
	Error    string                 `json:"error,omitempty"`
}

// RunResult is the outcome of a run
type RunResult struct {
	RunID     string                 `json:"runId"`
	RoutineID string                 `json:"routineId"`
	Status    string                 `json:"status"`
	Outputs   map[string]interface{} `json:"outputs,omitempty"`
	Steps     []StepResult           `json:"steps"`
	Usage     strategy.ResourceUsage `json:"usage"`
	Credits   *big.Int               `json:"credits"`
	Error     string                 `json:"error,omitempty"`
	Err       error                  `json:"-"`
}

// Option configures an Executor
type Option func(*Executor)

// WithCredits charges step usage to ledger and enforces positive balances
func WithCredits(ledger CreditLedger) Option {
	return func(e *Executor) { e.credits = ledger }
}

// WithRunStore persists run status and logs
func WithRunStore(store storage.RunStore) Option {
	return func(e *Executor) {
		if store != nil {
			e.runs = store
		}
	}
}

// WithPublisher sets the bus run events are published on
func WithPublisher(publisher events.Publisher) Option {
	return func(e *Executor) {
		if publisher != nil {
			e.publisher = publisher
		}
	}
}

// WithProcessor replaces the default IO processor
func WithProcessor(processor *ioproc.Processor) Option {
	return func(e *Executor) {
		if processor != nil {
			e.processor = processor
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(e *Executor) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithSpans sets the span manager
func WithSpans(spans observability.SpanManager) Option {
	return func(e *Executor) {
		if spans != nil {
			e.spans = spans
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLimits bounds step executions per run and concurrently running steps
func WithLimits(maxSteps, maxParallel int) Option {
	return func(e *Executor) {
		if maxSteps > 0 {
			e.maxSteps = maxSteps
		}
		if maxParallel > 0 {
			e.maxParallel = maxParallel
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs routines
type Executor struct {
	navigators  []navigator.Navigator
	strategies  *strategy.Registry
	processor   *ioproc.Processor
	credits     CreditLedger
	runs        storage.RunStore
	publisher   events.Publisher
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
	logger      *slog.Logger
	now         func() time.Time
	maxSteps    int
	maxParallel int

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	result RunResult
}

// NewExecutor creates an executor. Navigators are tried in order; the first
// one that can navigate a config runs it.
func NewExecutor(strategies *strategy.Registry, navigators []navigator.Navigator, opts ...Option) *Executor {
	e := &Executor{
		navigators:  navigators,
		strategies:  strategies,
		processor:   ioproc.NewProcessor(),
		runs:        storage.NewMemoryRunStore(),
		publisher:   events.Nop{},
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
		logger:      slog.Default(),
		now:         time.Now,
		maxSteps:    DefaultMaxSteps,
		maxParallel: DefaultMaxParallel,
		active:      make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes a routine to completion. The returned error is the run's
// failure; the result is populated either way once the run has started.
func (e *Executor) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	st, err := e.prepare(ctx, req)
	if err != nil {
		return RunResult{RunID: req.RunID, Status: models.RunStatusFailed, Error: err.Error(), Err: err}, err
	}
	res := e.execute(ctx, st)
	return res, res.Err
}

// Start validates the request and runs it in the background. The run
// outlives ctx; use Cancel to stop it.
func (e *Executor) Start(ctx context.Context, req RunRequest) (string, error) {
	st, err := e.prepare(ctx, req)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.active[st.runID] = ar
	e.mu.Unlock()

	go func() {
		defer cancel()
		ar.result = e.execute(runCtx, st)
		close(ar.done)

		e.mu.Lock()
		delete(e.active, st.runID)
		e.mu.Unlock()
	}()
	return st.runID, nil
}

// Cancel stops an active run
func (e *Executor) Cancel(runID string) error {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	ar.cancel()
	return nil
}

// Wait blocks until an active run finishes and returns its stored status.
// Finished runs return immediately.
func (e *Executor) Wait(ctx context.Context, runID string) (models.RunStatus, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return models.RunStatus{}, ctx.Err()
		}
	}
	return e.runs.GetRun(ctx, runID)
}

// GetStatus returns the stored status of a run
func (e *Executor) GetStatus(ctx context.Context, runID string) (models.RunStatus, error) {
	return e.runs.GetRun(ctx, runID)
}

// GetLogs returns the stored logs of a run
func (e *Executor) GetLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	return e.runs.GetRunLogs(ctx, runID)
}

// ListRuns returns an account's runs, newest first
func (e *Executor) ListRuns(ctx context.Context, accountID string) ([]models.RunStatus, error) {
	return e.runs.ListRuns(ctx, accountID)
}

// ActiveRuns returns the number of runs in progress
func (e *Executor) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// prepare resolves the navigator and start locations and checks the
// account's balance. Nothing is persisted until it succeeds.
func (e *Executor) prepare(ctx context.Context, req RunRequest) (*runState, error) {
	if req.Config == nil {
		return nil, ErrNoConfig
	}
	if req.AccountID == "" && e.credits != nil {
		return nil, ErrNoAccount
	}

	nav, err := navigator.Select(req.Config, e.navigators...)
	if err != nil {
		return nil, err
	}
	starts, err := nav.AllStartLocations(ctx, req.Config)
	if err != nil {
		return nil, fmt.Errorf("start locations: %w", err)
	}
	if len(starts) == 0 {
		return nil, navigator.ErrNoStartNode
	}

	if e.credits != nil {
		balance, err := e.credits.AvailableCredits(ctx, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		if balance.Sign() <= 0 {
			return nil, fmt.Errorf("%w: account %s has %s", credits.ErrInsufficientCredits, req.AccountID, balance)
		}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	routineID := starts[0].RoutineID
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	return &runState{
		runID:     runID,
		routineID: routineID,
		req:       req,
		inputs:    inputs,
		nav:       nav,
		starts:    starts,
		rc: ioproc.NewRunContext(runID, routineID, req.User, map[string]interface{}{
			"inputs": inputs,
		}),
		completed: make(map[string]bool),
		credits:   new(big.Int),
	}, nil
}
