package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/routinerunner/pkg/breaker"
	"github.com/tcmartin/routinerunner/pkg/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupMetrics(t *testing.T) (*sdkmetric.ManualReader, MetricsRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return reader, NewMetricsRecorder(provider)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) []MetricPoint {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return flatten(&rm)
}

func find(points []MetricPoint, name string) []MetricPoint {
	var out []MetricPoint
	for _, p := range points {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

func TestMetricsRecorder(t *testing.T) {
	reader, m := setupMetrics(t)
	_, isNoop := m.(NoopMetrics)
	require.False(t, isNoop)
	ctx := context.Background()

	m.RecordStep(ctx, "deterministic", "deterministic", 20*time.Millisecond, true)
	m.RecordStep(ctx, "deterministic", "deterministic", 40*time.Millisecond, true)
	m.RecordStep(ctx, "reasoning", "reasoning", 5*time.Millisecond, false)
	m.RecordRun(ctx, "completed", time.Second)
	m.RecordCredits(ctx, "free", 7)
	m.RecordCredits(ctx, "free", 0)
	m.ObserveAttempt(ctx, "openai", "gpt", llm.KindRateLimit, time.Millisecond)
	m.ObserveAttempt(ctx, "anthropic", "claude", "", time.Millisecond)
	m.RecordBreakerTransition("llm:openai", breaker.StateClosed, breaker.StateOpen)

	points := collect(t, reader)

	steps := find(points, "routinerunner.step.executions")
	require.Len(t, steps, 2)
	total := 0.0
	for _, p := range steps {
		total += p.Value
		if p.Attributes["step_type"] == "deterministic" {
			assert.Equal(t, 2.0, p.Value)
			assert.Equal(t, "true", p.Attributes["success"])
		}
	}
	assert.Equal(t, 3.0, total)

	latency := find(points, "routinerunner.step.latency_ms")
	for _, p := range latency {
		if p.Attributes["step_type"] == "deterministic" {
			assert.Equal(t, uint64(2), p.Count)
			assert.Equal(t, 60.0, p.Value)
		}
	}

	credits := find(points, "routinerunner.credits.charged")
	require.Len(t, credits, 1)
	assert.Equal(t, 7.0, credits[0].Value)

	attempts := find(points, "routinerunner.llm.attempts")
	outcomes := map[string]bool{}
	for _, p := range attempts {
		outcomes[p.Attributes["outcome"]] = true
	}
	assert.Equal(t, map[string]bool{"rate_limit": true, "success": true}, outcomes)

	transitions := find(points, "routinerunner.breaker.transitions")
	require.Len(t, transitions, 1)
	assert.Equal(t, "open", transitions[0].Attributes["to"])
}

func TestSpanManager(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	m := NewSpanManager(tp)

	ctx, run := m.StartRunSpan(context.Background(), "daily-report", "run-1")
	stepCtx, step := m.StartStepSpan(ctx, "fetch", "deterministic")
	m.AddSpanEvent(stepCtx, "retry", attribute.Int("attempt", 2))
	m.EndSpanWithError(step, errors.New("boom"))
	m.EndSpanWithError(run, nil)
	m.EndSpanWithError(nil, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	s := spans[0]
	assert.Equal(t, "routinerunner.step.fetch", s.Name)
	assert.Equal(t, codes.Error, s.Status.Code)
	require.Len(t, s.Events, 2)
	assert.Equal(t, "retry", s.Events[0].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), s.Parent.SpanID())

	assert.Equal(t, "routinerunner.run", spans[1].Name)
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
	assert.Contains(t, spans[1].Attributes, attribute.String("run.id", "run-1"))
}

func TestNoop(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	m.RecordStep(context.Background(), "a", "b", time.Second, true)
	m.RecordBreakerTransition("x", breaker.StateClosed, breaker.StateOpen)

	var s SpanManager = NoopSpanManager{}
	ctx, span := s.StartRunSpan(context.Background(), "r", "id")
	assert.False(t, span.IsRecording())
	s.AddSpanEvent(ctx, "nothing")
	s.EndSpanWithError(span, errors.New("ignored"))
}

func TestTelemetrySnapshot(t *testing.T) {
	tel := Setup(slog.New(slog.NewTextHandler(io.Discard, nil)), true)
	ctx, span := tel.Spans.StartRunSpan(context.Background(), "r", "run")
	tel.Metrics.RecordRun(ctx, "failed", 10*time.Millisecond)
	tel.Spans.EndSpanWithError(span, nil)

	points, err := tel.Snapshot(context.Background())
	require.NoError(t, err)
	runs := find(points, "routinerunner.run.count")
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].Attributes["status"])
	assert.Equal(t, 1.0, runs[0].Value)

	require.NoError(t, tel.Shutdown(context.Background()))
}
