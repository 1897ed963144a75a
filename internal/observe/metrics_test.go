package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voicegw.dialog.duration", m.DialogDuration},
		{"voicegw.answer.latency", m.AnswerLatency},
		{"voicegw.playback.duration", m.PlaybackDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			mt := findMetric(rm, tc.name)
			if mt == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := mt.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a float64 histogram", tc.name)
			}
			if len(hist.DataPoints) != 1 {
				t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
			}
			if hist.DataPoints[0].Count != 2 {
				t.Errorf("count = %d, want 2", hist.DataPoints[0].Count)
			}
		})
	}
}

func TestCounterAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCall(ctx, "answered")
	m.RecordCall(ctx, "answered")
	m.RecordCall(ctx, "rejected")

	rm := collect(t, reader)
	mt := findMetric(rm, "voicegw.calls")
	if mt == nil {
		t.Fatal("voicegw.calls not found")
	}
	sum, ok := mt.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("voicegw.calls is not an int64 sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data points = %d, want 2 attribute sets", len(sum.DataPoints))
	}
	for _, dp := range sum.DataPoints {
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		switch outcome.AsString() {
		case "answered":
			if dp.Value != 2 {
				t.Errorf("answered = %d, want 2", dp.Value)
			}
		case "rejected":
			if dp.Value != 1 {
				t.Errorf("rejected = %d, want 1", dp.Value)
			}
		default:
			t.Errorf("unexpected outcome %q", outcome.AsString())
		}
	}
}

func TestCacheLookupResults(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCacheLookup(ctx, true)
	m.RecordCacheLookup(ctx, false)
	m.RecordCacheLookup(ctx, false)

	rm := collect(t, reader)
	mt := findMetric(rm, "voicegw.tts.cache_lookups")
	if mt == nil {
		t.Fatal("cache lookup metric not found")
	}
	sum := mt.Data.(metricdata.Sum[int64])
	for _, dp := range sum.DataPoints {
		result, _ := dp.Attributes.Value(attribute.Key("result"))
		switch result.AsString() {
		case "hit":
			if dp.Value != 1 {
				t.Errorf("hits = %d, want 1", dp.Value)
			}
		case "miss":
			if dp.Value != 2 {
				t.Errorf("misses = %d, want 2", dp.Value)
			}
		}
	}
}

func TestActiveCallsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveCalls.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, -1)
	m.ActiveCalls.Add(ctx, 1)

	rm := collect(t, reader)
	mt := findMetric(rm, "voicegw.active_calls")
	if mt == nil {
		t.Fatal("active calls metric not found")
	}
	sum := mt.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active calls = %+v, want single point of 1", sum.DataPoints)
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
