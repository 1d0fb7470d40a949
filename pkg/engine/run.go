package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/events"
	"github.com/tcmartin/routinerunner/pkg/ioproc"
	"github.com/tcmartin/routinerunner/pkg/logging"
	"github.com/tcmartin/routinerunner/pkg/models"
	"github.com/tcmartin/routinerunner/pkg/navigator"
	"github.com/tcmartin/routinerunner/pkg/strategy"
)

// runState is the mutable state of one run. Steps of the same wave touch it
// concurrently, so everything below mu is guarded.
type runState struct {
	runID     string
	routineID string
	req       RunRequest
	inputs    map[string]interface{}
	nav       navigator.Navigator
	starts    []navigator.Location
	rc        *ioproc.RunContext
	logger    *slog.Logger

	mu        sync.Mutex
	status    models.RunStatus
	completed map[string]bool
	history   []strategy.HistoryEntry
	steps     []StepResult
	usage     strategy.ResourceUsage
	credits   *big.Int
	executed  int
}

func (e *Executor) execute(ctx context.Context, st *runState) RunResult {
	start := e.now()
	st.logger = logging.EnrichLogger(e.logger, st.runID, st.routineID, st.req.AccountID)
	st.status = models.RunStatus{
		ID:        st.runID,
		RoutineID: st.routineID,
		AccountID: st.req.AccountID,
		UserID:    st.req.User.ID,
		Status:    models.RunStatusRunning,
		StartTime: start.UTC(),
	}
	e.saveRun(ctx, st)
	logging.LogRunStart(st.logger, st.runID, st.routineID, len(st.inputs))
	e.publish(ctx, events.RunStarted, st, map[string]interface{}{
		"routineId": st.routineID,
		"navigator": st.nav.Type(),
	})

	ctx, span := e.spans.StartRunSpan(ctx, st.req.Config.Name, st.runID)
	err := e.walk(ctx, st)
	e.spans.EndSpanWithError(span, err)

	// The run may have been canceled; the final record must still land.
	final := context.WithoutCancel(ctx)

	st.mu.Lock()
	status := models.RunStatusCompleted
	switch {
	case err == nil:
		st.status.Progress = 100
	case errors.Is(err, context.Canceled):
		status = models.RunStatusCanceled
	default:
		status = models.RunStatusFailed
	}
	st.status.Status = status
	st.status.EndTime = e.now().UTC()
	if err != nil {
		st.status.Error = err.Error()
	}
	res := RunResult{
		RunID:     st.runID,
		RoutineID: st.routineID,
		Status:    status,
		Outputs:   st.rc.GetSubroutineContext().AllOutputs(),
		Steps:     append([]StepResult(nil), st.steps...),
		Usage:     st.usage,
		Credits:   new(big.Int).Set(st.credits),
		Err:       err,
	}
	executed := st.executed
	st.mu.Unlock()
	if err != nil {
		res.Error = err.Error()
	}

	e.saveRun(final, st)
	elapsed := e.now().Sub(start)
	e.metrics.RecordRun(final, status, elapsed)

	evtType := events.RunCompleted
	data := map[string]interface{}{
		"status":  status,
		"steps":   executed,
		"credits": res.Credits.String(),
	}
	switch status {
	case models.RunStatusFailed:
		evtType = events.RunFailed
		data["error"] = res.Error
		logging.LogRunError(st.logger, st.runID, err)
	case models.RunStatusCanceled:
		evtType = events.RunCanceled
	}
	e.publish(final, evtType, st, data)
	logging.LogRunComplete(st.logger, st.runID, status, executed, res.Credits.String(), elapsed)
	return res
}

// walk executes the routine in waves. A wave is every pending location whose
// dependencies have completed; its steps run concurrently. When no pending
// location is ready the remaining ones run anyway, since their missing
// dependencies were never reached.
func (e *Executor) walk(ctx context.Context, st *runState) error {
	pending := dedupe(st.starts)
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		ready, waiting, err := e.partition(ctx, st, pending)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			ready, waiting = waiting, nil
		}

		st.mu.Lock()
		if st.executed+len(ready) > e.maxSteps {
			st.mu.Unlock()
			return fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, e.maxSteps)
		}
		st.executed += len(ready)
		st.mu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.maxParallel)
		nexts := make([][]navigator.Location, len(ready))
		for i, loc := range ready {
			i, loc := i, loc
			g.Go(func() error {
				next, err := e.step(gctx, st, loc)
				nexts[i] = next
				return err
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		for _, next := range nexts {
			waiting = append(waiting, next...)
		}
		pending = dedupe(waiting)

		st.mu.Lock()
		done := st.executed
		st.status.Progress = float64(done) * 100 / float64(done+len(pending))
		st.mu.Unlock()
		e.saveRun(ctx, st)
	}
	return nil
}

func (e *Executor) partition(ctx context.Context, st *runState, pending []navigator.Location) (ready, waiting []navigator.Location, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, loc := range pending {
		deps, err := st.nav.Dependencies(ctx, loc)
		if err != nil {
			return nil, nil, fmt.Errorf("dependencies of %s: %w", loc.NodeID, err)
		}
		ok := true
		for _, dep := range deps {
			if !st.completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, loc)
		} else {
			waiting = append(waiting, loc)
		}
	}
	return ready, waiting, nil
}

// step executes one location and returns its successors
func (e *Executor) step(ctx context.Context, st *runState, loc navigator.Location) ([]navigator.Location, error) {
	info, err := st.nav.StepInfo(ctx, loc)
	if err != nil {
		return nil, err
	}
	if info.Type == navigator.NodeTypeEnd {
		st.mu.Lock()
		st.completed[info.ID] = true
		st.mu.Unlock()
		return nil, nil
	}

	st.mu.Lock()
	st.status.CurrentStep = info.ID
	st.mu.Unlock()
	logging.LogStepStart(st.logger, st.runID, info.ID, info.Type)

	stepCtx := st.rc.ForStep(info.ID)
	spec, ok := info.Config["inputs"].(map[string]interface{})
	if !ok {
		spec = st.inputs
	}
	inputs, err := e.processor.BuildInputPayload(spec, stepCtx)
	if err != nil {
		return nil, e.stepFailed(ctx, st, info, "", fmt.Errorf("build inputs: %w", err))
	}

	constraints, err := e.constraints(st, info)
	if err != nil {
		return nil, e.stepFailed(ctx, st, info, "", err)
	}

	ec := &strategy.ExecutionContext{
		RunID:       st.runID,
		StepID:      info.ID,
		StepName:    info.Name,
		StepType:    info.Type,
		Inputs:      inputs,
		Config:      info.Config,
		Constraints: constraints,
		Resources: strategy.Resources{
			AccountID: st.req.AccountID,
			UserID:    st.req.User.ID,
		},
		Metadata: map[string]interface{}{
			"routineId":  st.routineID,
			"locationId": loc.ID,
		},
	}
	if model, ok := info.Config["model"].(string); ok {
		ec.Resources.Model = model
	}
	if e.credits != nil {
		available, err := e.credits.AvailableCredits(ctx, st.req.AccountID)
		if err != nil {
			return nil, e.stepFailed(ctx, st, info, "", fmt.Errorf("read balance: %w", err))
		}
		ec.Resources.AvailableCredits = available
	}
	st.mu.Lock()
	ec.History = append([]strategy.HistoryEntry(nil), st.history...)
	st.mu.Unlock()

	strat, err := e.strategies.Select(ec)
	if err != nil {
		return nil, e.stepFailed(ctx, st, info, "", fmt.Errorf("%w for step type %q", err, info.Type))
	}

	spanCtx, span := e.spans.StartStepSpan(ctx, info.ID, info.Type)
	res := strat.Execute(spanCtx, ec)
	e.metrics.RecordStep(ctx, info.Type, strat.Name(), res.Usage.Duration, res.Success)

	chargeErr := e.charge(ctx, st, info.ID, res.Usage)

	if !res.Success {
		err := res.Err
		if err == nil {
			err = errors.New(res.Error)
		}
		e.spans.EndSpanWithError(span, err)
		e.record(st, info, strat.Name(), res, nil)
		return nil, e.stepFailed(ctx, st, info, strat.Name(), err)
	}
	if chargeErr != nil {
		e.spans.EndSpanWithError(span, chargeErr)
		e.record(st, info, strat.Name(), res, nil)
		return nil, e.stepFailed(ctx, st, info, strat.Name(), chargeErr)
	}

	var raw interface{} = res.Outputs
	if res.Outputs == nil {
		raw = map[string]interface{}{}
	}
	schema, _ := info.Config["outputSchema"].(map[string]interface{})
	outputs, err := e.processor.ProcessOutputs(raw, schema, stepCtx)
	if err != nil {
		e.spans.EndSpanWithError(span, err)
		e.record(st, info, strat.Name(), res, nil)
		return nil, e.stepFailed(ctx, st, info, strat.Name(), err)
	}
	e.spans.EndSpanWithError(span, nil)
	e.record(st, info, strat.Name(), res, outputs)

	logging.LogStepComplete(st.logger, st.runID, info.ID, res.Usage.Credits, res.Usage.Tokens, res.Usage.Duration)
	e.saveLog(ctx, st, models.RunLog{
		StepID:  info.ID,
		Level:   "info",
		Message: "step completed",
		Data: map[string]interface{}{
			"strategy": strat.Name(),
			"credits":  res.Usage.Credits,
			"tokens":   res.Usage.Tokens,
		},
	})

	if st.nav.IsEndLocation(ctx, loc) {
		return nil, nil
	}
	vars := map[string]interface{}{
		"outputs": st.rc.GetSubroutineContext().AllOutputs(),
		"inputs":  st.inputs,
	}
	next, err := st.nav.NextLocations(ctx, loc, vars)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", info.ID, err)
	}
	return next, nil
}

// constraints layers the step's own limits over the run's and caps the
// step's credits at what is left of the run budget
func (e *Executor) constraints(st *runState, info navigator.StepInfo) (strategy.Constraints, error) {
	c := strategy.ConstraintsFromConfig(info.Config)
	run := st.req.Constraints
	if c.MaxTime <= 0 {
		c.MaxTime = run.MaxTime
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = run.MaxTokens
	}
	if run.MaxCredits == nil {
		return c, nil
	}

	st.mu.Lock()
	remaining := new(big.Int).Sub(run.MaxCredits, st.credits)
	st.mu.Unlock()
	if remaining.Sign() <= 0 {
		return c, fmt.Errorf("%w: %s of %s used", ErrCreditLimit, st.credits, run.MaxCredits)
	}
	if c.MaxCredits == nil || c.MaxCredits.Cmp(remaining) > 0 {
		c.MaxCredits = remaining
	}
	return c, nil
}

// charge spends the step's credits. The spend is recorded even when the run
// is being canceled, since the provider has already been paid.
func (e *Executor) charge(ctx context.Context, st *runState, stepID string, usage strategy.ResourceUsage) error {
	if usage.Credits <= 0 {
		return nil
	}
	amount := big.NewInt(usage.Credits)

	st.mu.Lock()
	st.credits.Add(st.credits, amount)
	st.status.CreditsUsed = st.credits.String()
	st.status.TokensUsed += usage.Tokens
	st.mu.Unlock()

	if e.credits == nil {
		return nil
	}
	entry, err := e.credits.Spend(context.WithoutCancel(ctx), st.req.AccountID, amount, map[string]string{
		credits.MetaRunID:  st.runID,
		credits.MetaStepID: stepID,
	})
	if err != nil {
		return fmt.Errorf("charge %s credits: %w", amount, err)
	}

	consumed := entry.Meta[credits.MetaConsumedSource]
	e.metrics.RecordCredits(ctx, consumed, usage.Credits)
	e.publish(ctx, events.CreditsCharged, st, map[string]interface{}{
		"stepId":         stepID,
		"amount":         amount.String(),
		"consumedSource": consumed,
		"entryId":        entry.ID,
	})
	return nil
}

func (e *Executor) record(st *runState, info navigator.StepInfo, strategyName string, res strategy.Result, outputs map[string]interface{}) {
	sr := StepResult{
		StepID:   info.ID,
		StepType: info.Type,
		Strategy: strategyName,
		Success:  res.Success && outputs != nil,
		Outputs:  outputs,
		Usage:    res.Usage,
		Error:    res.Error,
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.steps = append(st.steps, sr)
	st.usage.Add(res.Usage)
	st.history = append(st.history, strategy.HistoryEntry{
		StepID:  info.ID,
		Success: sr.Success,
		Outputs: outputs,
	})
	if sr.Success {
		st.completed[info.ID] = true
		if st.status.Outputs == nil {
			st.status.Outputs = make(map[string]interface{})
		}
		st.status.Outputs[info.ID] = outputs
	}
}

func (e *Executor) stepFailed(ctx context.Context, st *runState, info navigator.StepInfo, strategyName string, err error) error {
	logging.LogStepError(st.logger, st.runID, info.ID, err)
	e.saveLog(ctx, st, models.RunLog{
		StepID:  info.ID,
		Level:   "error",
		Message: err.Error(),
		Data:    map[string]interface{}{"strategy": strategyName},
	})
	return fmt.Errorf("step %s: %w", info.ID, err)
}

func (e *Executor) saveRun(ctx context.Context, st *runState) {
	st.mu.Lock()
	run := st.status
	if run.Outputs != nil {
		outputs := make(map[string]interface{}, len(run.Outputs))
		for k, v := range run.Outputs {
			outputs[k] = v
		}
		run.Outputs = outputs
	}
	st.mu.Unlock()

	if err := e.runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Warn("failed to save run",
			slog.String("run_id", st.runID),
			slog.String("error", err.Error()))
	}
}

func (e *Executor) saveLog(ctx context.Context, st *runState, entry models.RunLog) {
	entry.Timestamp = e.now().UTC()
	if err := e.runs.SaveRunLog(context.WithoutCancel(ctx), st.runID, entry); err != nil {
		e.logger.Warn("failed to save run log",
			slog.String("run_id", st.runID),
			slog.String("error", err.Error()))
	}
}

func (e *Executor) publish(ctx context.Context, eventType string, st *runState, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["accountId"] = st.req.AccountID
	if err := e.publisher.Publish(ctx, events.New(eventType, source, st.runID, data)); err != nil {
		e.logger.Warn("failed to publish event",
			slog.String("type", eventType),
			slog.String("run_id", st.runID),
			slog.String("error", err.Error()))
	}
}

func dedupe(locs []navigator.Location) []navigator.Location {
	seen := make(map[string]bool, len(locs))
	out := locs[:0:0]
	for _, loc := range locs {
		if seen[loc.NodeID] {
			continue
		}
		seen[loc.NodeID] = true
		out = append(out, loc)
	}
	return out
}
