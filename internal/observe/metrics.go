// Package observe provides the observability primitives shared by intervoice:
// OpenTelemetry metrics, tracing helpers, a trace-aware logger, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. [DefaultMetrics] returns a package-level
// instance bound to the global meter provider; tests should use [NewMetrics]
// with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all intervoice metrics.
const meterName = "github.com/MrWong99/intervoice"

// Metric attribute values shared by callers.
const (
	DirectionIn  = "in"
	DirectionOut = "out"

	StatusOK       = "ok"
	StatusDropped  = "dropped"
	StatusRejected = "rejected"
	StatusError    = "error"

	PlaybackPlayed      = "played"
	PlaybackFlushed     = "flushed"
	PlaybackDecodeError = "decode_error"
)

// Metrics holds all OpenTelemetry instruments of the application.
type Metrics struct {
	// SegmentDuration tracks the length of closed speech segments.
	SegmentDuration metric.Float64Histogram

	// Segments counts opened speech segments.
	Segments metric.Int64Counter

	// Chunks counts outbound audio chunks. Attribute: status (ok|dropped).
	Chunks metric.Int64Counter

	// ChunkBytes counts bytes of outbound audio actually sent.
	ChunkBytes metric.Int64Counter

	// ControlMessages counts control messages. Attributes: direction, kind,
	// status (ok|dropped|rejected).
	ControlMessages metric.Int64Counter

	// AudioUnits counts binary audio units received from the backend.
	AudioUnits metric.Int64Counter

	// PlaybackItems counts playback outcomes. Attribute: outcome
	// (played|flushed|decode_error).
	PlaybackItems metric.Int64Counter

	// PlaybackAudio tracks the duration of fully played units.
	PlaybackAudio metric.Float64Histogram

	// BargeIns counts flushes triggered while assistant audio was queued or
	// playing.
	BargeIns metric.Int64Counter

	// ConnectionErrors counts channel failures.
	ConnectionErrors metric.Int64Counter

	// BackendErrors counts inbound error messages.
	BackendErrors metric.Int64Counter

	// SessionAPIDuration tracks session API latency. Attributes: op, status.
	SessionAPIDuration metric.Float64Histogram

	// ActiveSessions tracks running engines.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks ops and rehearsal server requests.
	// Attributes: method, route.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (seconds) for request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// speechBuckets are histogram boundaries (seconds) for utterance lengths.
var speechBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SegmentDuration, err = m.Float64Histogram("intervoice.segment.duration",
		metric.WithDescription("Length of closed speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(speechBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackAudio, err = m.Float64Histogram("intervoice.playback.audio",
		metric.WithDescription("Duration of assistant audio units played to the end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(speechBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionAPIDuration, err = m.Float64Histogram("intervoice.session_api.duration",
		metric.WithDescription("Latency of session API calls by operation and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("intervoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Segments, err = m.Int64Counter("intervoice.segments",
		metric.WithDescription("Speech segments opened."),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("intervoice.chunks",
		metric.WithDescription("Outbound audio chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.ChunkBytes, err = m.Int64Counter("intervoice.chunks.bytes",
		metric.WithDescription("Bytes of outbound audio sent."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ControlMessages, err = m.Int64Counter("intervoice.control.messages",
		metric.WithDescription("Control messages by direction, kind and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioUnits, err = m.Int64Counter("intervoice.audio.units",
		metric.WithDescription("Assistant audio units received."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("intervoice.playback.items",
		metric.WithDescription("Playback items by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("intervoice.playback.barge_ins",
		metric.WithDescription("Playback flushes caused by the user speaking."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionErrors, err = m.Int64Counter("intervoice.channel.errors",
		metric.WithDescription("Session channel failures."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("intervoice.backend.errors",
		metric.WithDescription("Error messages received from the backend."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("intervoice.active_sessions",
		metric.WithDescription("Number of running voice engines."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunk counts one outbound chunk of n bytes.
func (m *Metrics) RecordChunk(ctx context.Context, status string, n int) {
	m.Chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status == StatusOK {
		m.ChunkBytes.Add(ctx, int64(n))
	}
}

// RecordControl counts one control message.
func (m *Metrics) RecordControl(ctx context.Context, direction, kind, status string) {
	m.ControlMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordPlayback counts one playback outcome.
func (m *Metrics) RecordPlayback(ctx context.Context, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.PlaybackItems.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSessionAPI records the latency of one session API call.
func (m *Metrics) RecordSessionAPI(ctx context.Context, op, status string, d time.Duration) {
	m.SessionAPIDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}
