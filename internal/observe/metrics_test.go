package observe

import (
	"context"
	"testing"
	"time"

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

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
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
		{"intervoice.segment.duration", m.SegmentDuration},
		{"intervoice.playback.audio", m.PlaybackAudio},
		{"intervoice.session_api.duration", m.SessionAPIDuration},
		{"intervoice.http.request.duration", m.HTTPRequestDuration},
	}
	for _, tc := range histograms {
		tc.h.Record(ctx, 0.5)
		tc.h.Record(ctx, 1.5)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordChunk(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunk(ctx, StatusOK, 100)
	m.RecordChunk(ctx, StatusOK, 50)
	m.RecordChunk(ctx, StatusDropped, 999)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "intervoice.chunks", "status", StatusOK); got != 2 {
		t.Errorf("sent chunks = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "intervoice.chunks", "status", StatusDropped); got != 1 {
		t.Errorf("dropped chunks = %d, want 1", got)
	}

	bytes := findMetric(rm, "intervoice.chunks.bytes")
	if bytes == nil {
		t.Fatal("chunk bytes metric not found")
	}
	sum := bytes.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 150 {
		t.Errorf("chunk bytes = %+v, want 150 (dropped bytes excluded)", sum.DataPoints)
	}
}

func TestRecordControl(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordControl(ctx, DirectionOut, "speech_start", StatusOK)
	m.RecordControl(ctx, DirectionIn, "transcript", StatusOK)
	m.RecordControl(ctx, DirectionIn, "video_frame", StatusRejected)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "intervoice.control.messages", "kind", "video_frame"); got != 1 {
		t.Errorf("rejected kind count = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "intervoice.control.messages", "kind", "speech_start"); got != 1 {
		t.Errorf("speech_start count = %d, want 1", got)
	}
}

func TestRecordPlayback(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlayback(ctx, PlaybackFlushed, 3)
	m.RecordPlayback(ctx, PlaybackPlayed, 1)
	m.RecordPlayback(ctx, PlaybackDecodeError, 0)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "intervoice.playback.items", "outcome", PlaybackFlushed); got != 3 {
		t.Errorf("flushed = %d, want 3", got)
	}
}

func TestRecordSessionAPI(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordSessionAPI(context.Background(), "create", StatusOK, 120*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "intervoice.session_api.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 0.12 {
		t.Errorf("data points = %+v", hist.DataPoints)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "intervoice.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions = %+v, want 1", sum.DataPoints)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
