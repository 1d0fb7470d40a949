package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"regexp"
	"sort"
	"time"

	"github.com/tcmartin/routinerunner/pkg/events"
	"github.com/tcmartin/routinerunner/pkg/scripting"
)

// Deterministic operations
const (
	OpPassthrough = "passthrough"
	OpGroupBy     = "groupBy"
	OpStatistics  = "statistics"
	OpValidate    = "validate"
	OpScript      = "script"
)

// StepTypeDeterministic is the step type handled by DeterministicStrategy
const StepTypeDeterministic = "deterministic"

// ctxCheckEvery is how many items a loop processes between context checks
const ctxCheckEvery = 1024

// DeterministicStrategy performs rule-based transforms locally. It never
// calls a model.
type DeterministicStrategy struct {
	base
	scripts    scripting.ScriptEngine
	creditCost int64
}

// DeterministicOption configures a DeterministicStrategy
type DeterministicOption func(*DeterministicStrategy)

// WithScriptEngine sets the engine used by the script operation
func WithScriptEngine(engine scripting.ScriptEngine) DeterministicOption {
	return func(s *DeterministicStrategy) { s.scripts = engine }
}

// WithCreditCost sets the flat credit charge per successful or failed step
func WithCreditCost(credits int64) DeterministicOption {
	return func(s *DeterministicStrategy) { s.creditCost = credits }
}

// NewDeterministicStrategy creates the deterministic strategy
func NewDeterministicStrategy(publisher events.Publisher, logger *slog.Logger, opts ...DeterministicOption) *DeterministicStrategy {
	s := &DeterministicStrategy{
		base:       newBase("deterministic", publisher, logger),
		creditCost: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scripts == nil {
		s.scripts = scripting.NewGojaEngine(s.logger)
	}
	return s
}

func (s *DeterministicStrategy) IsApplicable(ec *ExecutionContext) bool {
	return ec.StepType == StepTypeDeterministic
}

func (s *DeterministicStrategy) Execute(ctx context.Context, ec *ExecutionContext) Result {
	return s.run(ctx, ec, s.execute)
}

func (s *DeterministicStrategy) execute(ctx context.Context, ec *ExecutionContext, meta map[string]interface{}) (map[string]interface{}, ResourceUsage, error) {
	usage := ResourceUsage{Credits: s.creditCost}

	for _, key := range stringSlice(ec.Config["requiredInputs"]) {
		if _, ok := ec.Inputs[key]; !ok {
			return nil, usage, fmt.Errorf("%w: %s", ErrMissingRequiredInput, key)
		}
	}

	op, _ := ec.Config["operation"].(string)
	if op == "" {
		op = OpPassthrough
	}
	meta["operation"] = op

	maxTime := ec.Constraints.MaxTime
	if maxTime <= 0 {
		out, err := s.compute(ctx, op, ec)
		return out, usage, err
	}

	runCtx, cancel := context.WithTimeout(ctx, maxTime)
	defer cancel()

	type outcome struct {
		out map[string]interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := s.compute(runCtx, op, ec)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, usage, fmt.Errorf("%w (%s)", ErrStepTimeout, maxTime)
		}
		return o.out, usage, o.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, usage, ctx.Err()
		}
		return nil, usage, fmt.Errorf("%w (%s)", ErrStepTimeout, maxTime)
	}
}

func (s *DeterministicStrategy) compute(ctx context.Context, op string, ec *ExecutionContext) (map[string]interface{}, error) {
	switch op {
	case OpPassthrough:
		out := make(map[string]interface{}, len(ec.Inputs))
		for k, v := range ec.Inputs {
			if k == "_context" {
				continue
			}
			out[k] = v
		}
		return out, nil
	case OpGroupBy:
		return groupBy(ctx, ec)
	case OpStatistics:
		return statistics(ctx, ec)
	case OpValidate:
		return validate(ec)
	case OpScript:
		script, _ := ec.Config["script"].(string)
		if script == "" {
			return nil, errors.New("script operation requires config.script")
		}
		out, err := s.scripts.Execute(ctx, script, map[string]interface{}{
			"input":  ec.Inputs,
			"config": ec.Config,
		})
		if err != nil {
			return nil, err
		}
		if m, ok := out.(map[string]interface{}); ok {
			return m, nil
		}
		return map[string]interface{}{"result": out}, nil
	default:
		return nil, fmt.Errorf("unknown deterministic operation %q", op)
	}
}

// groupBy buckets config.input (a list of records) by config.field. With
// config.sumField each group's values of that field are summed.
func groupBy(ctx context.Context, ec *ExecutionContext) (map[string]interface{}, error) {
	items, err := inputList(ec)
	if err != nil {
		return nil, err
	}
	field, _ := ec.Config["field"].(string)
	if field == "" {
		return nil, errors.New("groupBy requires config.field")
	}
	sumField, _ := ec.Config["sumField"].(string)

	groups := map[string]interface{}{}
	counts := map[string]interface{}{}
	sums := map[string]interface{}{}
	for i, item := range items {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("groupBy item %d is not a record", i)
		}
		key := fmt.Sprintf("%v", rec[field])
		list, _ := groups[key].([]interface{})
		groups[key] = append(list, rec)
		n, _ := counts[key].(int)
		counts[key] = n + 1
		if sumField != "" {
			if v, ok := toFloat(rec[sumField]); ok {
				total, _ := sums[key].(float64)
				sums[key] = total + v
			}
		}
	}

	out := map[string]interface{}{"groups": groups, "counts": counts}
	if sumField != "" {
		out["sums"] = sums
	}
	return out, nil
}

// statistics summarizes config.input, a list of numbers or of records when
// config.field is set
func statistics(ctx context.Context, ec *ExecutionContext) (map[string]interface{}, error) {
	items, err := inputList(ec)
	if err != nil {
		return nil, err
	}
	field, _ := ec.Config["field"].(string)

	values := make([]float64, 0, len(items))
	for i, item := range items {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if field != "" {
			rec, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			item = rec[field]
		}
		if v, ok := toFloat(item); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return map[string]interface{}{"count": 0}, nil
	}

	sum := 0.0
	lo, hi := values[0], values[0]
	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(values))
	variance := 0.0
	for i, v := range values {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	return map[string]interface{}{
		"count":  len(values),
		"sum":    sum,
		"mean":   mean,
		"min":    lo,
		"max":    hi,
		"median": median,
		"stddev": math.Sqrt(variance),
	}, nil
}

// validate applies config.rules to the inputs. Each rule has a field and
// any of required, type, min, max and pattern.
func validate(ec *ExecutionContext) (map[string]interface{}, error) {
	rules, _ := ec.Config["rules"].([]interface{})
	var problems []interface{}
	for i, raw := range rules {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("rule %d is not a record", i)
		}
		field, _ := rule["field"].(string)
		value, present := ec.Inputs[field]
		if !present || value == nil {
			if required, _ := rule["required"].(bool); required {
				problems = append(problems, fmt.Sprintf("%s is required", field))
			}
			continue
		}
		if typ, _ := rule["type"].(string); typ != "" && !hasType(value, typ) {
			problems = append(problems, fmt.Sprintf("%s must be a %s", field, typ))
			continue
		}
		if lo, ok := toFloat(rule["min"]); ok {
			if v, ok := toFloat(value); ok && v < lo {
				problems = append(problems, fmt.Sprintf("%s must be at least %v", field, lo))
			}
		}
		if hi, ok := toFloat(rule["max"]); ok {
			if v, ok := toFloat(value); ok && v > hi {
				problems = append(problems, fmt.Sprintf("%s must be at most %v", field, hi))
			}
		}
		if pattern, _ := rule["pattern"].(string); pattern != "" {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d: invalid pattern: %w", i, err)
			}
			if s, ok := value.(string); !ok || !re.MatchString(s) {
				problems = append(problems, fmt.Sprintf("%s does not match %s", field, pattern))
			}
		}
	}
	if problems == nil {
		problems = []interface{}{}
	}
	return map[string]interface{}{"valid": len(problems) == 0, "errors": problems}, nil
}

func inputList(ec *ExecutionContext) ([]interface{}, error) {
	key, _ := ec.Config["input"].(string)
	if key == "" {
		key = "items"
	}
	switch v := ec.Inputs[key].(type) {
	case []interface{}:
		return v, nil
	case []float64:
		out := make([]interface{}, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out, nil
	case []map[string]interface{}:
		out := make([]interface{}, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredInput, key)
	default:
		return nil, fmt.Errorf("input %s must be a list, got %T", key, v)
	}
}

func hasType(v interface{}, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// durationFrom reads a millisecond count or Go duration string
func durationFrom(v interface{}) time.Duration {
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0
		}
		return parsed
	default:
		if ms, ok := toFloat(v); ok {
			return time.Duration(ms * float64(time.Millisecond))
		}
		return 0
	}
}

// ConstraintsFromConfig reads constraints from a step config block:
// maxTime (ms or duration string), maxTokens and maxCredits
func ConstraintsFromConfig(cfg map[string]interface{}) Constraints {
	raw, _ := cfg["constraints"].(map[string]interface{})
	if raw == nil {
		return Constraints{}
	}
	c := Constraints{MaxTime: durationFrom(raw["maxTime"])}
	if n, ok := toFloat(raw["maxTokens"]); ok {
		c.MaxTokens = int(n)
	}
	if n, ok := toFloat(raw["maxCredits"]); ok {
		c.MaxCredits = big.NewInt(int64(n))
	}
	return c
}
