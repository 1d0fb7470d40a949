// Package scripting runs JavaScript transforms for deterministic steps.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"
)

// ErrInterrupted is returned when a script is stopped by its context
var ErrInterrupted = errors.New("script interrupted")

// ScriptEngine executes JavaScript code
type ScriptEngine interface {
	// Execute runs script with the given globals until it returns or ctx is done
	Execute(ctx context.Context, script string, globals map[string]interface{}) (interface{}, error)
}

// GojaEngine is a ScriptEngine backed by goja. Each call gets a fresh VM.
type GojaEngine struct {
	logger *slog.Logger
}

// NewGojaEngine creates a script engine. console.log goes to logger at debug.
func NewGojaEngine(logger *slog.Logger) *GojaEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &GojaEngine{logger: logger}
}

// Execute wraps script in a function so it may use return statements. The VM
// is interrupted when ctx is done.
func (e *GojaEngine) Execute(ctx context.Context, script string, globals map[string]interface{}) (interface{}, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]interface{}, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.Export())
		}
		e.logger.Debug("script console", slog.Any("args", parts))
		return goja.Undefined()
	})
	if err := vm.Set("console", console); err != nil {
		return nil, err
	}
	for k, v := range globals {
		if err := vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("failed to set script global %q: %w", k, err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ErrInterrupted)
		case <-done:
		}
	}()

	result, err := vm.RunString("(function() {\n" + script + "\n})()")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
		}
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}
