// Package ioproc binds step inputs to earlier step outputs and records each
// step's outputs for later steps to reference.
package ioproc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RefPrefix starts a step reference: $ref:<stepId>.<dotted.path>
const RefPrefix = "$ref:"

// ContextKey is the payload key carrying run provenance
const ContextKey = "_context"

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	ErrUnknownStepReference = errors.New("unknown step reference")
	ErrInvalidStepReference = errors.New("invalid step reference")
	ErrOutputSchema         = errors.New("outputs do not match schema")
	ErrNoCurrentStep        = errors.New("context has no current step")
)

// ReferenceError reports a $ref that could not be resolved
type ReferenceError struct {
	Reference string
	StepID    string
	Path      string
	Err       error
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Reference)
}

func (e *ReferenceError) Unwrap() error {
	return e.Err
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// Processor builds step input payloads and normalizes step outputs
type Processor struct {
	now    func() time.Time
	logger *slog.Logger

	schemas sync.Map
}

// Option configures a Processor
type Option func(*Processor)

// WithClock overrides the clock used for _context.timestamp
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLogger sets the processor logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a processor
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BuildInputPayload resolves $ref expressions and {{...}} placeholders in
// inputSpec and injects _context. Nested maps and lists are resolved too.
func (p *Processor) BuildInputPayload(inputSpec map[string]interface{}, ctx Context) (map[string]interface{}, error) {
	payload := make(map[string]interface{}, len(inputSpec)+1)
	for key, value := range inputSpec {
		resolved, err := p.resolve(value, ctx)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", key, err)
		}
		payload[key] = resolved
	}

	payload[ContextKey] = map[string]interface{}{
		"runId":     ctx.RunID(),
		"routineId": ctx.RoutineID(),
		"userId":    ctx.User().ID,
		"timestamp": p.now().UTC().Format(timestampLayout),
	}

	if stepID := ctx.CurrentStepID(); stepID != "" {
		ctx.GetSubroutineContext().SetInput(stepID, payload)
	}
	return payload, nil
}

func (p *Processor) resolve(value interface{}, ctx Context) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, RefPrefix) {
			return resolveReference(v, ctx)
		}
		if strings.Contains(v, "{{") {
			return p.substitute(v, ctx), nil
		}
		return v, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			r, err := p.resolve(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			r, err := p.resolve(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveReference(ref string, ctx Context) (interface{}, error) {
	target := strings.TrimPrefix(ref, RefPrefix)
	stepID, path, _ := strings.Cut(target, ".")

	outputs, ok := ctx.GetSubroutineContext().Output(stepID)
	if !ok {
		return nil, &ReferenceError{Reference: ref, StepID: stepID, Path: path, Err: ErrUnknownStepReference}
	}
	value, ok := lookupPath(outputs, path)
	if !ok {
		return nil, &ReferenceError{Reference: ref, StepID: stepID, Path: path, Err: ErrInvalidStepReference}
	}
	return value, nil
}

// substitute replaces placeholders. A string that is exactly one placeholder
// takes the value's own type. Unknown placeholders are left as written.
func (p *Processor) substitute(s string, ctx Context) interface{} {
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if v, ok := p.lookupPlaceholder(m[1], ctx); ok {
			return v
		}
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := p.lookupPlaceholder(name, ctx)
		if !ok {
			p.logger.Debug("unresolved template placeholder", slog.String("placeholder", name))
			return match
		}
		return fmt.Sprintf("%v", v)
	})
}

func (p *Processor) lookupPlaceholder(name string, ctx Context) (interface{}, bool) {
	head, rest, _ := strings.Cut(name, ".")
	switch head {
	case "user":
		u := ctx.User()
		switch rest {
		case "id":
			return u.ID, true
		case "name":
			return u.Name, true
		case "email":
			return u.Email, true
		default:
			return lookupPath(u.Extra, rest)
		}
	case "run":
		if rest == "id" {
			return ctx.RunID(), true
		}
	case "routine":
		if rest == "id" {
			return ctx.RoutineID(), true
		}
	case "step":
		if rest == "id" {
			return ctx.CurrentStepID(), true
		}
	case "now":
		if rest == "" {
			return p.now().UTC().Format(timestampLayout), true
		}
	}
	return ctx.Value(name)
}

// ProcessOutputs normalizes a step's raw output into a record, validates it
// against schema when one is given and stores it for later $ref lookups.
func (p *Processor) ProcessOutputs(raw interface{}, schema map[string]interface{}, ctx Context) (map[string]interface{}, error) {
	stepID := ctx.CurrentStepID()
	if stepID == "" {
		return nil, ErrNoCurrentStep
	}

	var outputs map[string]interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		outputs = v
	case map[string]string:
		outputs = make(map[string]interface{}, len(v))
		for k, s := range v {
			outputs[k] = s
		}
	default:
		outputs = map[string]interface{}{"result": raw}
	}

	if len(schema) > 0 {
		if err := p.validate(outputs, schema); err != nil {
			return nil, fmt.Errorf("step %s: %w", stepID, err)
		}
	}

	ctx.GetSubroutineContext().SetOutput(stepID, outputs)
	return outputs, nil
}

func (p *Processor) validate(outputs, schema map[string]interface{}) error {
	rawSchema, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("%w: schema not encodable: %v", ErrOutputSchema, err)
	}

	var compiled *jsonschema.Schema
	if cached, ok := p.schemas.Load(string(rawSchema)); ok {
		compiled = cached.(*jsonschema.Schema)
	} else {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("outputs.json", strings.NewReader(string(rawSchema))); err != nil {
			return fmt.Errorf("%w: %v", ErrOutputSchema, err)
		}
		compiled, err = c.Compile("outputs.json")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOutputSchema, err)
		}
		p.schemas.Store(string(rawSchema), compiled)
	}

	rawOutputs, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("%w: outputs not encodable: %v", ErrOutputSchema, err)
	}
	var doc interface{}
	if err := json.Unmarshal(rawOutputs, &doc); err != nil {
		return err
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputSchema, err)
	}
	return nil
}
