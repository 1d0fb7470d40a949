package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"sort"
	"strings"

	"github.com/tcmartin/routinerunner/pkg/events"
	"github.com/tcmartin/routinerunner/pkg/llm"
)

// Step types handled by ReasoningStrategy
const (
	StepTypeReasoning = "reasoning"
	StepTypeLLM       = "llm"
)

const (
	reasoningTemperature = 0.3
	reasoningMaxTokens   = 1000
)

// ReasoningStrategy answers a step with a single model call
type ReasoningStrategy struct {
	base
	completer llm.Completer
}

// NewReasoningStrategy creates the reasoning strategy
func NewReasoningStrategy(completer llm.Completer, publisher events.Publisher, logger *slog.Logger) *ReasoningStrategy {
	return &ReasoningStrategy{
		base:      newBase("reasoning", publisher, logger),
		completer: completer,
	}
}

func (s *ReasoningStrategy) IsApplicable(ec *ExecutionContext) bool {
	return ec.StepType == StepTypeReasoning || ec.StepType == StepTypeLLM
}

func (s *ReasoningStrategy) Execute(ctx context.Context, ec *ExecutionContext) Result {
	return s.run(ctx, ec, s.execute)
}

func (s *ReasoningStrategy) execute(ctx context.Context, ec *ExecutionContext, meta map[string]interface{}) (map[string]interface{}, ResourceUsage, error) {
	expected := expectedOutputs(ec.Config)
	prompt := BuildPrompt(ec, expected)

	maxTokens := reasoningMaxTokens
	if ec.Constraints.MaxTokens > 0 && ec.Constraints.MaxTokens < maxTokens {
		maxTokens = ec.Constraints.MaxTokens
	}
	req := llm.CompletionRequest{
		Prompt:      prompt,
		Model:       ec.Resources.Model,
		Temperature: reasoningTemperature,
		MaxTokens:   maxTokens,
		AccountID:   ec.Resources.AccountID,
	}
	if system, ok := ec.Config["systemPrompt"].(string); ok {
		req.System = system
	}
	if model, ok := ec.Config["model"].(string); ok && model != "" {
		req.Model = model
	}
	if ec.Constraints.MaxCredits != nil {
		req.MaxCredits = new(big.Int).Set(ec.Constraints.MaxCredits)
	}

	resp, err := s.completer.Complete(ctx, req)
	usage := ResourceUsage{Tokens: resp.Tokens, Credits: resp.Credits}
	if resp.Model != "" {
		meta["model"] = resp.Model
	}
	if resp.ServiceID != "" {
		meta["serviceId"] = resp.ServiceID
	}
	if err != nil {
		return nil, usage, fmt.Errorf("completion failed: %w", err)
	}

	return ExtractOutputs(resp.Text, expected), usage, nil
}

func expectedOutputs(cfg map[string]interface{}) []string {
	keys := stringSlice(cfg["expectedOutputs"])
	if len(keys) == 0 {
		return []string{"result"}
	}
	return keys
}

// BuildPrompt lists the step's inputs and the output keys the model must
// label in its answer
func BuildPrompt(ec *ExecutionContext, expected []string) string {
	var b strings.Builder
	if task, ok := ec.Config["prompt"].(string); ok && task != "" {
		b.WriteString(task)
		b.WriteString("\n\n")
	} else if ec.StepName != "" {
		fmt.Fprintf(&b, "Task: %s\n\n", ec.StepName)
	}

	b.WriteString("Available inputs:\n")
	keys := make([]string, 0, len(ec.Inputs))
	for k := range ec.Inputs {
		if k == "_context" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, renderValue(ec.Inputs[k]))
	}

	b.WriteString("\nRespond with one line per output in the form \"key: value\" for these keys:\n")
	for _, k := range expected {
		fmt.Fprintf(&b, "- %s\n", k)
	}
	return b.String()
}

func renderValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// ExtractOutputs reads "key: value" lines from text. Keys without a label
// receive the full text.
func ExtractOutputs(text string, expected []string) map[string]interface{} {
	out := make(map[string]interface{}, len(expected))
	for _, key := range expected {
		re := regexp.MustCompile(`(?im)^\s*[-*]?\s*\**` + regexp.QuoteMeta(key) + `\**\s*:\s*(.+?)\s*$`)
		if m := re.FindStringSubmatch(text); m != nil {
			out[key] = m[1]
			continue
		}
		out[key] = strings.TrimSpace(text)
	}
	return out
}
