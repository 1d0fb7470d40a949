package engine

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/events"
	"github.com/tcmartin/routinerunner/pkg/models"
	"github.com/tcmartin/routinerunner/pkg/navigator"
	"github.com/tcmartin/routinerunner/pkg/storage"
	"github.com/tcmartin/routinerunner/pkg/strategy"
)

// funcStrategy runs fn for the step types it claims
type funcStrategy struct {
	name  string
	types []string
	fn    func(ctx context.Context, ec *strategy.ExecutionContext) strategy.Result
}

func (s *funcStrategy) Name() string { return s.name }

func (s *funcStrategy) IsApplicable(ec *strategy.ExecutionContext) bool {
	for _, t := range s.types {
		if ec.StepType == t {
			return true
		}
	}
	return false
}

func (s *funcStrategy) Execute(ctx context.Context, ec *strategy.ExecutionContext) strategy.Result {
	return s.fn(ctx, ec)
}

type fixture struct {
	executor *Executor
	credits  *credits.Service
	runs     *storage.MemoryRunStore
	recorder *events.Recorder
}

func newFixture(t *testing.T, balance int64, extra []strategy.Strategy, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	svc := credits.NewService(storage.NewMemoryLedgerStore())
	_, err := svc.CreateAccount(ctx, "acct-1")
	require.NoError(t, err)
	if balance > 0 {
		_, err = svc.GrantBonus(ctx, "acct-1", big.NewInt(balance), credits.SourceSystem)
		require.NoError(t, err)
	}

	recorder := &events.Recorder{}
	registry := strategy.NewRegistry(extra...)
	registry.Register(strategy.NewDeterministicStrategy(recorder, nil))

	runs := storage.NewMemoryRunStore()
	navs := []navigator.Navigator{navigator.NewGraphNavigator(nil), navigator.NewSingleStepNavigator(nil)}
	opts = append([]Option{WithCredits(svc), WithRunStore(runs), WithPublisher(recorder)}, opts...)
	return &fixture{
		executor: NewExecutor(registry, navs, opts...),
		credits:  svc,
		runs:     runs,
		recorder: recorder,
	}
}

func classifier() strategy.Strategy {
	return &funcStrategy{name: "fake-reasoning", types: []string{"reasoning"}, fn: func(_ context.Context, ec *strategy.ExecutionContext) strategy.Result {
		label := "low"
		if mean, _ := ec.Inputs["mean"].(float64); mean > 2 {
			label = "high"
		}
		return strategy.Result{
			Success: true,
			Outputs: map[string]interface{}{"label": label},
			Usage:   strategy.ResourceUsage{Credits: 5, Tokens: 100},
		}
	}}
}

func pipelineConfig() *navigator.RoutineConfig {
	return &navigator.RoutineConfig{
		Name: "pipeline",
		Graph: &navigator.GraphConfig{
			Nodes: []navigator.NodeConfig{
				{ID: "stats", Type: "deterministic", Config: map[string]interface{}{
					"operation": "statistics",
					"inputs":    map[string]interface{}{"items": "{{inputs.values}}"},
				}},
				{ID: "classify", Type: "reasoning", Config: map[string]interface{}{
					"inputs": map[string]interface{}{"mean": "$ref:stats.mean"},
				}},
				{ID: "check", Type: "deterministic", Config: map[string]interface{}{
					"operation": "script",
					"script":    "return {big: input.mean > 2};",
					"inputs":    map[string]interface{}{"mean": "$ref:stats.mean"},
				}},
				{ID: "merge", Type: "deterministic", Config: map[string]interface{}{
					"inputs": map[string]interface{}{"label": "$ref:classify.label", "big": "$ref:check.big"},
				}},
				{ID: "done", Type: navigator.NodeTypeEnd},
			},
			Edges: []navigator.EdgeConfig{
				{From: "stats", To: "classify"},
				{From: "stats", To: "check"},
				{From: "classify", To: "merge"},
				{From: "check", To: "merge"},
				{From: "merge", To: "done", Condition: "outputs.merge.big == true"},
			},
		},
	}
}

func TestExecutor_RunGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, []strategy.Strategy{classifier()})

	res, err := f.executor.Run(ctx, RunRequest{
		AccountID: "acct-1",
		Config:    pipelineConfig(),
		Inputs:    map[string]interface{}{"values": []interface{}{1.0, 2.0, 3.0, 4.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.Equal(t, map[string]interface{}{"label": "high", "big": true}, res.Outputs["merge"])
	assert.Len(t, res.Steps, 4)
	assert.Equal(t, int64(8), res.Usage.Credits)
	assert.Equal(t, 100, res.Usage.Tokens)
	assert.Equal(t, "8", res.Credits.String())

	available, err := f.credits.AvailableCredits(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "92", available.String())

	history, err := f.credits.History(ctx, "acct-1")
	require.NoError(t, err)
	var spends int
	for _, e := range history {
		if e.Type == credits.EntrySpend {
			spends++
			assert.Equal(t, res.RunID, e.Meta[credits.MetaRunID])
			assert.Equal(t, string(credits.ConsumedFree), e.Meta[credits.MetaConsumedSource])
		}
	}
	assert.Equal(t, 4, spends)

	run, err := f.runs.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, float64(100), run.Progress)
	assert.Equal(t, "8", run.CreditsUsed)
	assert.Equal(t, 100, run.TokensUsed)
	assert.Contains(t, run.Outputs, "merge")

	logs, err := f.runs.GetRunLogs(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, logs, 4)

	types := f.recorder.Types()
	assert.Equal(t, events.RunStarted, types[0])
	assert.Equal(t, events.RunCompleted, types[len(types)-1])
	assert.Contains(t, types, events.CreditsCharged)
	assert.Contains(t, types, events.StepCompleted)
}

func TestExecutor_ParallelBranches(t *testing.T) {
	var entered atomic.Int32
	probe := &funcStrategy{name: "probe", types: []string{"probe"}, fn: func(ctx context.Context, _ *strategy.ExecutionContext) strategy.Result {
		entered.Add(1)
		deadline := time.After(2 * time.Second)
		for entered.Load() < 2 {
			select {
			case <-deadline:
				return strategy.Result{Error: "sibling never started", Err: errors.New("sibling never started")}
			case <-time.After(time.Millisecond):
			}
		}
		return strategy.Result{Success: true, Outputs: map[string]interface{}{"ok": true}}
	}}
	f := newFixture(t, 100, []strategy.Strategy{probe}, WithLimits(10, 2))

	cfg := &navigator.RoutineConfig{
		Name: "fan-out",
		Graph: &navigator.GraphConfig{
			Nodes: []navigator.NodeConfig{
				{ID: "start", Type: "deterministic"},
				{ID: "left", Type: "probe"},
				{ID: "right", Type: "probe"},
			},
			Edges: []navigator.EdgeConfig{
				{From: "start", To: "left"},
				{From: "start", To: "right"},
			},
		},
	}
	res, err := f.executor.Run(context.Background(), RunRequest{AccountID: "acct-1", Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.Contains(t, res.Outputs, "left")
	assert.Contains(t, res.Outputs, "right")
}

func TestExecutor_UnreachedDependencyDoesNotBlockJoin(t *testing.T) {
	f := newFixture(t, 100, nil)
	cfg := &navigator.RoutineConfig{
		Name: "conditional",
		Graph: &navigator.GraphConfig{
			Nodes: []navigator.NodeConfig{
				{ID: "a", Type: "deterministic"},
				{ID: "b", Type: "deterministic"},
				{ID: "c", Type: "deterministic"},
				{ID: "d", Type: "deterministic"},
			},
			Edges: []navigator.EdgeConfig{
				{From: "a", To: "b", Condition: "inputs.flag == true"},
				{From: "a", To: "c"},
				{From: "b", To: "d"},
				{From: "c", To: "d"},
			},
		},
	}
	res, err := f.executor.Run(context.Background(), RunRequest{
		AccountID: "acct-1",
		Config:    cfg,
		Inputs:    map[string]interface{}{"flag": false},
	})
	require.NoError(t, err)

	var ran []string
	for _, s := range res.Steps {
		ran = append(ran, s.StepID)
	}
	assert.Equal(t, []string{"a", "c", "d"}, ran)
}

func TestExecutor_SingleStep(t *testing.T) {
	f := newFixture(t, 10, nil)
	cfg := &navigator.RoutineConfig{
		Name: "echo",
		CallData: map[string]map[string]interface{}{
			"deterministic": {"operation": "passthrough"},
		},
	}
	res, err := f.executor.Run(context.Background(), RunRequest{
		AccountID: "acct-1",
		Config:    cfg,
		Inputs:    map[string]interface{}{"msg": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"msg": "hi"}, res.Outputs[navigator.SingleStepNodeID])
}

func TestExecutor_RefusesEmptyAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, nil)

	_, err := f.executor.Run(ctx, RunRequest{AccountID: "acct-1", Config: pipelineConfig()})
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)

	runs, err := f.runs.ListRuns(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, runs)

	_, err = f.executor.Run(ctx, RunRequest{AccountID: "acct-1"})
	assert.ErrorIs(t, err, ErrNoConfig)
}

func TestExecutor_StepFailure(t *testing.T) {
	ctx := context.Background()
	boom := &funcStrategy{name: "boom", types: []string{"reasoning"}, fn: func(context.Context, *strategy.ExecutionContext) strategy.Result {
		err := errors.New("provider exploded")
		return strategy.Result{Error: err.Error(), Err: err, Usage: strategy.ResourceUsage{Credits: 2}}
	}}
	f := newFixture(t, 100, []strategy.Strategy{boom})

	res, err := f.executor.Run(ctx, RunRequest{
		AccountID: "acct-1",
		Config:    pipelineConfig(),
		Inputs:    map[string]interface{}{"values": []interface{}{1.0}},
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "step classify")
	assert.ErrorContains(t, err, "provider exploded")
	assert.Equal(t, models.RunStatusFailed, res.Status)

	run, err := f.runs.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "provider exploded")

	// The failed step is still charged.
	balances, err := f.credits.Balances(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, balances.Total.Cmp(big.NewInt(98)) <= 0)

	types := f.recorder.Types()
	assert.Equal(t, events.RunFailed, types[len(types)-1])
}

func TestExecutor_NoStrategy(t *testing.T) {
	f := newFixture(t, 100, nil)
	cfg := &navigator.RoutineConfig{
		Name:  "mystery",
		Graph: &navigator.GraphConfig{Nodes: []navigator.NodeConfig{{ID: "x", Type: "telepathy"}}},
	}
	_, err := f.executor.Run(context.Background(), RunRequest{AccountID: "acct-1", Config: cfg})
	assert.ErrorIs(t, err, strategy.ErrNoStrategy)
}

func TestExecutor_MaxSteps(t *testing.T) {
	f := newFixture(t, 1000, nil, WithLimits(5, 1))
	cfg := &navigator.RoutineConfig{
		Name: "loop",
		Graph: &navigator.GraphConfig{
			Nodes: []navigator.NodeConfig{
				{ID: "a", Type: "deterministic"},
				{ID: "b", Type: "deterministic"},
			},
			Edges:      []navigator.EdgeConfig{{From: "a", To: "b"}, {From: "b", To: "a"}},
			StartNodes: []string{"a"},
		},
	}
	res, err := f.executor.Run(context.Background(), RunRequest{AccountID: "acct-1", Config: cfg})
	assert.ErrorIs(t, err, ErrMaxStepsExceeded)
	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Len(t, res.Steps, 5)
}

func TestExecutor_RunCreditLimit(t *testing.T) {
	f := newFixture(t, 100, nil)
	cfg := &navigator.RoutineConfig{
		Name: "chain",
		Graph: &navigator.GraphConfig{
			Nodes: []navigator.NodeConfig{
				{ID: "a", Type: "deterministic"},
				{ID: "b", Type: "deterministic"},
				{ID: "c", Type: "deterministic"},
			},
			Edges: []navigator.EdgeConfig{{From: "a", To: "b"}, {From: "b", To: "c"}},
		},
	}
	res, err := f.executor.Run(context.Background(), RunRequest{
		AccountID:   "acct-1",
		Config:      cfg,
		Constraints: strategy.Constraints{MaxCredits: big.NewInt(2)},
	})
	assert.ErrorIs(t, err, ErrCreditLimit)
	assert.ErrorContains(t, err, "step c")
	assert.Equal(t, "2", res.Credits.String())
}

func TestExecutor_StartAndCancel(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	blocker := &funcStrategy{name: "blocker", types: []string{"reasoning"}, fn: func(ctx context.Context, _ *strategy.ExecutionContext) strategy.Result {
		close(entered)
		<-ctx.Done()
		return strategy.Result{Error: ctx.Err().Error(), Err: ctx.Err()}
	}}
	f := newFixture(t, 100, []strategy.Strategy{blocker})

	cfg := &navigator.RoutineConfig{
		Name:     "slow",
		CallData: map[string]map[string]interface{}{"reasoning": {"prompt": "wait"}},
	}
	runID, err := f.executor.Start(ctx, RunRequest{AccountID: "acct-1", Config: cfg})
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("step never started")
	}
	assert.Equal(t, 1, f.executor.ActiveRuns())
	require.NoError(t, f.executor.Cancel(runID))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	run, err := f.executor.Wait(waitCtx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, run.Status)

	assert.Eventually(t, func() bool { return f.executor.ActiveRuns() == 0 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, f.executor.Cancel(runID), ErrRunNotActive)
}
