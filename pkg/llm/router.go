package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRetryLimit bounds the attempts of one routed call
const DefaultRetryLimit = 3

// Router picks models and streams completions
type Router interface {
	BestModelFor(botID string) string
	DefaultTools() []ToolSchema
	Stream(ctx context.Context, opts StreamOptions) (EventStream, error)
}

// StreamOptions is one routed completion request
type StreamOptions struct {
	BotID       string
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []ToolSchema
	AccountID   string
	// MaxCredits caps the total cost including safety checks; nil means
	// only the account balance applies
	MaxCredits *big.Int
	// Blocking makes a single non-streaming provider call; the stream then
	// yields one message event followed by the end event
	Blocking bool
}

// CreditSource reports how many credits an account may spend
type CreditSource interface {
	AvailableCredits(ctx context.Context, accountID string) (*big.Int, error)
}

// AttemptObserver is told about every provider attempt. kind is empty on
// success.
type AttemptObserver interface {
	ObserveAttempt(ctx context.Context, serviceID, model string, kind ErrorKind, elapsed time.Duration)
}

// Usage is the cost accumulated by a routed stream so far
type Usage struct {
	InputTokens  int
	OutputTokens int
	Credits      *big.Int
}

// UsageReporter is implemented by streams that track their cost
type UsageReporter interface {
	Usage() Usage
}

// RouterConfig configures a FallbackRouter
type RouterConfig struct {
	RetryLimit   int
	DefaultModel string
	// BotModels maps bot ids to preferred models
	BotModels map[string]string
	Tools     []ToolSchema
	Safety    SafetyChecker
	Estimator TokenEstimator
	Credits   CreditSource
	Observer  AttemptObserver
	Logger    *slog.Logger
}

// FallbackRouter retries failed attempts on the next-best service
type FallbackRouter struct {
	registry ProviderRegistry
	cfg      RouterConfig
	logger   *slog.Logger
}

// NewFallbackRouter creates a router over registry
func NewFallbackRouter(registry ProviderRegistry, cfg RouterConfig) *FallbackRouter {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.Safety == nil {
		cfg.Safety = AllowAll{}
	}
	if cfg.Estimator == nil {
		cfg.Estimator = HeuristicTokenEstimator{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackRouter{registry: registry, cfg: cfg, logger: logger}
}

// RetryLimit returns the maximum number of attempts per call
func (r *FallbackRouter) RetryLimit() int {
	return r.cfg.RetryLimit
}

// BestModelFor returns the bot's configured model or the default
func (r *FallbackRouter) BestModelFor(botID string) string {
	if m, ok := r.cfg.BotModels[botID]; ok && m != "" {
		return m
	}
	return r.cfg.DefaultModel
}

// DefaultTools returns a copy of the configured tool schemas
func (r *FallbackRouter) DefaultTools() []ToolSchema {
	return append([]ToolSchema(nil), r.cfg.Tools...)
}

// Stream returns a lazily started stream. Attempts run inside Next; a
// failed attempt is retried on another service only while nothing has been
// forwarded to the caller. Close cancels the in-flight provider call.
func (r *FallbackRouter) Stream(ctx context.Context, opts StreamOptions) (EventStream, error) {
	if len(opts.Messages) == 0 {
		return nil, errors.New("stream requires at least one message")
	}
	if opts.Model == "" {
		opts.Model = r.BestModelFor(opts.BotID)
	}
	if opts.Tools == nil {
		opts.Tools = r.DefaultTools()
	}
	input, err := serializeInput(opts)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	return &RouterStream{
		router:      r,
		opts:        opts,
		input:       input,
		inputTokens: r.cfg.Estimator.Estimate(input),
		ctx:         sctx,
		cancel:      cancel,
		accumulated: new(big.Int),
	}, nil
}

func serializeInput(opts StreamOptions) (string, error) {
	data, err := json.Marshal(struct {
		System   string    `json:"system,omitempty"`
		Messages []Message `json:"messages"`
	}{opts.System, opts.Messages})
	if err != nil {
		return "", fmt.Errorf("failed to serialize input: %w", err)
	}
	return string(data), nil
}

// RouterStream is the EventStream returned by FallbackRouter
type RouterStream struct {
	router      *FallbackRouter
	opts        StreamOptions
	input       string
	inputTokens int

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once

	mu          sync.Mutex
	attempt     int
	cur         EventStream
	curSvc      Service
	curModel    string
	curStart    time.Time
	forwarded   strings.Builder
	anyOutput   bool
	accumulated *big.Int
	usage       Usage
	lastErr     error
	err         error
	done        bool
}

// Next returns the next event, running attempts as needed
func (s *RouterStream) Next(ctx context.Context) (StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		switch {
		case s.closed.Load():
			return StreamEvent{}, ErrStreamClosed
		case s.err != nil:
			return StreamEvent{}, s.err
		case s.done:
			return StreamEvent{}, io.EOF
		}

		if s.cur == nil {
			if err := s.open(ctx); err != nil {
				return StreamEvent{}, s.fail(err)
			}
			continue
		}

		evt, err := s.cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			evt, err = StreamEvent{Type: EventEnd}, nil
		}
		if err != nil {
			if s.closed.Load() {
				return StreamEvent{}, ErrStreamClosed
			}
			s.attemptFailed(ctx, err)
			if s.anyOutput || ctx.Err() != nil {
				return StreamEvent{}, s.fail(s.lastErr)
			}
			continue
		}

		switch evt.Type {
		case EventMessage:
			s.anyOutput = true
			s.forwarded.WriteString(evt.Content)
			if evt.Model == "" {
				evt.Model = s.curModel
			}
			return evt, nil
		case EventEnd:
			return s.finish(ctx, evt), nil
		}
	}
}

// open runs one attempt up to the provider call. A nil return with no
// current stream means the attempt failed and may be retried.
func (s *RouterStream) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := s.router
	if s.attempt >= r.cfg.RetryLimit {
		if s.lastErr == nil {
			return fmt.Errorf("%w after %d attempts", ErrServiceUnavailable, s.attempt)
		}
		if errors.Is(s.lastErr, ErrServiceUnavailable) {
			return s.lastErr
		}
		return fmt.Errorf("%w after %d attempts: %w", ErrServiceUnavailable, s.attempt, s.lastErr)
	}
	s.attempt++

	svc, err := r.registry.GetBestService(s.opts.Model)
	if err != nil {
		s.lastErr = &AttemptError{Attempt: s.attempt, Err: err}
		return nil
	}

	verdict, err := r.cfg.Safety.Check(ctx, s.input)
	if err != nil {
		s.lastErr = &AttemptError{Attempt: s.attempt, ServiceID: svc.ID(), Kind: KindAPIError, Err: fmt.Errorf("safety check failed: %w", err)}
		return nil
	}
	if verdict.Cost != nil {
		s.accumulated.Add(s.accumulated, verdict.Cost)
	}
	if !verdict.Safe {
		return fmt.Errorf("%w: %s", ErrUnsafeContent, verdict.Reason)
	}

	maxTokens, err := s.maxOutputTokens(ctx, svc)
	if err != nil {
		return err
	}

	req := ServiceRequest{
		Model:       s.opts.Model,
		System:      s.opts.System,
		Messages:    s.opts.Messages,
		Temperature: s.opts.Temperature,
		MaxTokens:   maxTokens,
		Tools:       s.opts.Tools,
	}
	s.curSvc = svc
	s.curModel = s.opts.Model
	s.curStart = time.Now()

	if s.opts.Blocking {
		resp, err := svc.Complete(s.ctx, req)
		if err != nil {
			s.attemptFailed(ctx, err)
			return nil
		}
		model := resp.Model
		if model == "" {
			model = s.opts.Model
		}
		s.cur = newSliceStream(
			StreamEvent{Type: EventMessage, Content: resp.Text, Model: model},
			StreamEvent{Type: EventEnd, Model: model, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
		)
		return nil
	}

	stream, err := svc.Stream(s.ctx, req)
	if err != nil {
		s.attemptFailed(ctx, err)
		return nil
	}
	s.cur = stream
	return nil
}

// maxOutputTokens derives the output allowance from
// min(maxCredits, available) minus what has been spent already
func (s *RouterStream) maxOutputTokens(ctx context.Context, svc Service) (int, error) {
	r := s.router
	var limit *big.Int
	if s.opts.MaxCredits != nil {
		limit = new(big.Int).Set(s.opts.MaxCredits)
	}
	if r.cfg.Credits != nil && s.opts.AccountID != "" {
		available, err := r.cfg.Credits.AvailableCredits(ctx, s.opts.AccountID)
		if err != nil {
			return 0, fmt.Errorf("failed to read available credits: %w", err)
		}
		if limit == nil || available.Cmp(limit) < 0 {
			limit = new(big.Int).Set(available)
		}
	}
	if limit == nil {
		return s.opts.MaxTokens, nil
	}

	pricing := svc.Pricing(s.opts.Model)
	remaining := new(big.Int).Sub(limit, s.accumulated)
	remaining.Sub(remaining, pricing.Cost(s.inputTokens, 0))
	if pricing.OutputPer1K <= 0 {
		if remaining.Sign() < 0 {
			return 0, fmt.Errorf("%w: remaining %s credits", ErrCostLimitExceeded, remaining)
		}
		return s.opts.MaxTokens, nil
	}

	derived := new(big.Int).Mul(remaining, big.NewInt(1000))
	derived.Quo(derived, big.NewInt(pricing.OutputPer1K))
	if derived.Sign() <= 0 {
		return 0, fmt.Errorf("%w: remaining %s credits", ErrCostLimitExceeded, remaining)
	}
	maxTokens := math.MaxInt32
	if derived.IsInt64() && derived.Int64() < int64(maxTokens) {
		maxTokens = int(derived.Int64())
	}
	if s.opts.MaxTokens > 0 && s.opts.MaxTokens < maxTokens {
		maxTokens = s.opts.MaxTokens
	}
	return maxTokens, nil
}

// attemptFailed classifies err, reports it to the registry and charges any
// output already forwarded
func (s *RouterStream) attemptFailed(ctx context.Context, err error) {
	r := s.router
	kind := s.curSvc.ClassifyError(err)
	if kind == "" {
		kind = KindAPIError
	}
	id := s.curSvc.ID()
	r.registry.UpdateServiceState(id, kind)
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveAttempt(ctx, id, s.curModel, kind, time.Since(s.curStart))
	}
	r.logger.Warn("llm attempt failed",
		slog.Int("attempt", s.attempt),
		slog.String("service", id),
		slog.String("model", s.curModel),
		slog.String("error_kind", string(kind)),
		slog.String("error", err.Error()))

	if s.anyOutput {
		out := r.cfg.Estimator.Estimate(s.forwarded.String())
		s.usage.InputTokens += s.inputTokens
		s.usage.OutputTokens += out
		s.accumulated.Add(s.accumulated, s.curSvc.Pricing(s.curModel).Cost(s.inputTokens, out))
	}
	s.lastErr = &AttemptError{Attempt: s.attempt, ServiceID: id, Kind: kind, Err: err}
	s.release()
}

func (s *RouterStream) finish(ctx context.Context, end StreamEvent) StreamEvent {
	r := s.router
	in, out := end.InputTokens, end.OutputTokens
	if in == 0 {
		in = s.inputTokens
	}
	if out == 0 {
		out = r.cfg.Estimator.Estimate(s.forwarded.String())
	}
	s.accumulated.Add(s.accumulated, s.curSvc.Pricing(s.curModel).Cost(in, out))
	s.usage.InputTokens += in
	s.usage.OutputTokens += out

	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveAttempt(ctx, s.curSvc.ID(), s.curModel, "", time.Since(s.curStart))
	}

	end.Type = EventEnd
	end.ServiceID = s.curSvc.ID()
	if end.Model == "" {
		end.Model = s.curModel
	}
	end.InputTokens = s.usage.InputTokens
	end.OutputTokens = s.usage.OutputTokens
	end.Credits = new(big.Int).Set(s.accumulated)
	s.done = true
	s.release()
	s.cancel()
	return end
}

func (s *RouterStream) fail(err error) error {
	s.err = err
	s.release()
	s.cancel()
	return err
}

func (s *RouterStream) release() {
	if s.cur != nil {
		_ = s.cur.Close()
		s.cur = nil
	}
}

// Usage reports the tokens and credits consumed so far, including failed
// attempts and safety checks
func (s *RouterStream) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usage
	u.Credits = new(big.Int).Set(s.accumulated)
	return u
}

// Close stops the stream and cancels any in-flight provider call
func (s *RouterStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.mu.Lock()
		s.release()
		s.mu.Unlock()
	})
	return nil
}
