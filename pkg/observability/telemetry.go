package observability

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Telemetry owns the SDK providers of a process. Metrics are pulled on
// demand through a manual reader; finished spans are written to the logger.
type Telemetry struct {
	Metrics MetricsRecorder
	Spans   SpanManager

	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
	tracerProvider *sdktrace.TracerProvider
}

// Setup creates the SDK providers. With tracing disabled the span manager is
// a no-op.
func Setup(logger *slog.Logger, tracing bool) *Telemetry {
	if logger == nil {
		logger = slog.Default()
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t := &Telemetry{
		Metrics:       NewMetricsRecorder(mp),
		Spans:         NoopSpanManager{},
		meterProvider: mp,
		reader:        reader,
	}
	if tracing {
		t.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(&logExporter{logger: logger}))
		t.Spans = NewSpanManager(t.tracerProvider)
	}
	return t
}

// Shutdown flushes and stops the providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	errs = append(errs, t.meterProvider.Shutdown(ctx))
	return errors.Join(errs...)
}

// MetricPoint is one aggregated series
type MetricPoint struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// Snapshot collects the current value of every series. Histograms report
// their sum as Value and their sample count as Count.
func (t *Telemetry) Snapshot(ctx context.Context) ([]MetricPoint, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	return flatten(&rm), nil
}

func flatten(rm *metricdata.ResourceMetrics) []MetricPoint {
	var out []MetricPoint
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, MetricPoint{Name: m.Name, Attributes: attrMap(dp.Attributes.ToSlice()), Value: float64(dp.Value)})
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, MetricPoint{Name: m.Name, Attributes: attrMap(dp.Attributes.ToSlice()), Value: dp.Value})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, MetricPoint{Name: m.Name, Attributes: attrMap(dp.Attributes.ToSlice()), Value: dp.Sum, Count: dp.Count})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
