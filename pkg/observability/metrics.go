// Package observability records routine execution metrics and traces with
// OpenTelemetry.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/tcmartin/routinerunner/pkg/breaker"
	"github.com/tcmartin/routinerunner/pkg/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/tcmartin/routinerunner"

// MetricsRecorder records routinerunner metrics.
// Use NewMetricsRecorder for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStep records one strategy execution
	RecordStep(ctx context.Context, stepType, strategy string, duration time.Duration, success bool)

	// RecordRun records a finished run
	RecordRun(ctx context.Context, status string, duration time.Duration)

	// RecordCredits records credits charged to an account
	RecordCredits(ctx context.Context, consumedSource string, amount int64)

	// ObserveAttempt records one LLM provider attempt
	ObserveAttempt(ctx context.Context, serviceID, model string, kind llm.ErrorKind, elapsed time.Duration)

	// RecordBreakerTransition records a circuit breaker state change
	RecordBreakerTransition(name string, from, to breaker.State)
}

type otelMetrics struct {
	stepExecutions metric.Int64Counter
	stepLatency    metric.Float64Histogram
	runs           metric.Int64Counter
	runLatency     metric.Float64Histogram
	credits        metric.Int64Counter
	llmAttempts    metric.Int64Counter
	llmLatency     metric.Float64Histogram
	breakerChanges metric.Int64Counter
}

func newOtelMetrics(mp metric.MeterProvider) (*otelMetrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &otelMetrics{}
	var err error

	if m.stepExecutions, err = meter.Int64Counter("routinerunner.step.executions",
		metric.WithDescription("Number of step executions")); err != nil {
		return nil, err
	}
	if m.stepLatency, err = meter.Float64Histogram("routinerunner.step.latency_ms",
		metric.WithDescription("Step execution latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.runs, err = meter.Int64Counter("routinerunner.run.count",
		metric.WithDescription("Number of finished runs")); err != nil {
		return nil, err
	}
	if m.runLatency, err = meter.Float64Histogram("routinerunner.run.latency_ms",
		metric.WithDescription("Run latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.credits, err = meter.Int64Counter("routinerunner.credits.charged",
		metric.WithDescription("Credits charged for executed steps")); err != nil {
		return nil, err
	}
	if m.llmAttempts, err = meter.Int64Counter("routinerunner.llm.attempts",
		metric.WithDescription("Number of LLM provider attempts")); err != nil {
		return nil, err
	}
	if m.llmLatency, err = meter.Float64Histogram("routinerunner.llm.attempt.latency_ms",
		metric.WithDescription("LLM provider attempt latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.breakerChanges, err = meter.Int64Counter("routinerunner.breaker.transitions",
		metric.WithDescription("Number of circuit breaker state transitions")); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns an OTel MetricsRecorder on mp, or on the global
// meter provider when mp is nil. If initialization fails it returns a no-op
// recorder.
func NewMetricsRecorder(mp metric.MeterProvider) MetricsRecorder {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m, err := newOtelMetrics(mp)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordStep(ctx context.Context, stepType, strategy string, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("step_type", stepType),
		attribute.String("strategy", strategy),
		attribute.Bool("success", success),
	)
	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordRun(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordCredits(ctx context.Context, consumedSource string, amount int64) {
	if amount <= 0 {
		return
	}
	m.credits.Add(ctx, amount, metric.WithAttributes(attribute.String("consumed_source", consumedSource)))
}

func (m *otelMetrics) ObserveAttempt(ctx context.Context, serviceID, model string, kind llm.ErrorKind, elapsed time.Duration) {
	outcome := string(kind)
	if outcome == "" {
		outcome = "success"
	}
	attrs := metric.WithAttributes(
		attribute.String("service", serviceID),
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	)
	m.llmAttempts.Add(ctx, 1, attrs)
	m.llmLatency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordBreakerTransition(name string, from, to breaker.State) {
	m.breakerChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}
