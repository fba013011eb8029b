package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a manual reader so
// tests can collect recorded data points.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	return m, reader
}

// collect gathers all metric data recorded so far.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	return rm
}

// findMetric searches collected data for a metric by name.
func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestRecordCallPlaced(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCallPlaced(ctx, "acme", "answered")
	m.RecordCallPlaced(ctx, "acme", "no_answer")

	rm := collect(t, reader)
	md, ok := findMetric(rm, "dialvox.calls.placed")
	if !ok {
		t.Fatal("dialvox.calls.placed not recorded")
	}
	sum, ok := md.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", md.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("total calls placed = %d, want 2", total)
	}
}

func TestRecordBargeInAndProviderError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBargeIn(ctx)
	m.RecordProviderError(ctx, "deepgram", "transient")

	rm := collect(t, reader)
	if _, ok := findMetric(rm, "dialvox.call.barge_ins"); !ok {
		t.Error("barge-in counter not recorded")
	}
	if _, ok := findMetric(rm, "dialvox.provider.errors"); !ok {
		t.Error("provider error counter not recorded")
	}
}

func TestActiveCallsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, -1)

	rm := collect(t, reader)
	md, ok := findMetric(rm, "dialvox.active_calls")
	if !ok {
		t.Fatal("active calls gauge not recorded")
	}
	sum, ok := md.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", md.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active calls = %+v, want single point of 1", sum.DataPoints)
	}
}

func TestLatencyHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.LLMFirstToken.Record(ctx, 0.42)

	rm := collect(t, reader)
	md, ok := findMetric(rm, "dialvox.llm.first_token")
	if !ok {
		t.Fatal("first-token histogram not recorded")
	}
	hist, ok := md.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", md.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("histogram = %+v, want one data point with count 1", hist.DataPoints)
	}
}
