package observability

import (
	"context"
	"time"

	"github.com/tcmartin/routinerunner/pkg/breaker"
	"github.com/tcmartin/routinerunner/pkg/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordStep(context.Context, string, string, time.Duration, bool) {}

func (NoopMetrics) RecordRun(context.Context, string, time.Duration) {}

func (NoopMetrics) RecordCredits(context.Context, string, int64) {}

func (NoopMetrics) ObserveAttempt(context.Context, string, string, llm.ErrorKind, time.Duration) {}

func (NoopMetrics) RecordBreakerTransition(string, breaker.State, breaker.State) {}

// NoopSpanManager is a SpanManager that does nothing
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

func (NoopSpanManager) StartRunSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartStepSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
