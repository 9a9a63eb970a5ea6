// Package observe provides application-wide observability primitives for
// voxfolio: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxfolio metrics.
const meterName = "github.com/MrWong99/voxfolio"

// Frame drop stages used with [Metrics.RecordFrameDropped].
const (
	StageCapture = "capture"
	StageSend    = "send"
	StageDecode  = "decode"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Start/Retry until the transport
	// opened or failed. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts connection attempts (Start and Retry).
	SessionsStarted metric.Int64Counter

	// SessionErrors counts sessions that entered the Error state. Use with
	// attribute.String("reason", ...).
	SessionErrors metric.Int64Counter

	// FramesSent counts microphone frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesReceived counts model audio frames scheduled for playback.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded anywhere in the pipeline. Use with
	// attribute.String("stage", ...).
	FramesDropped metric.Int64Counter

	// PlaybackUnderruns counts model frames that started after a gap inside a
	// turn.
	PlaybackUnderruns metric.Int64Counter

	// TurnsCompleted counts model turns that finished.
	TurnsCompleted metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions in the Active state.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for connection setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("voxfolio.session.connect.duration",
		metric.WithDescription("Time from session start until the transport opened or failed."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.SessionsStarted, "voxfolio.sessions.started", "Total voice session connection attempts."},
		{&met.SessionErrors, "voxfolio.session.errors", "Total sessions that failed, by reason."},
		{&met.FramesSent, "voxfolio.frames.sent", "Total microphone frames sent to the model."},
		{&met.FramesReceived, "voxfolio.frames.received", "Total model audio frames scheduled for playback."},
		{&met.FramesDropped, "voxfolio.frames.dropped", "Total frames dropped, by pipeline stage."},
		{&met.PlaybackUnderruns, "voxfolio.playback.underruns", "Total model frames that started after a gap within a turn."},
		{&met.TurnsCompleted, "voxfolio.turns.completed", "Total completed model turns."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxfolio.sessions.active",
		metric.WithDescription("Number of voice sessions in the Active state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxfolio.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records how long a connection attempt took and whether it
// succeeded.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordSessionError records a session failure with its reason.
func (m *Metrics) RecordSessionError(ctx context.Context, reason string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFrameDropped records one dropped frame at stage.
func (m *Metrics) RecordFrameDropped(ctx context.Context, stage string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
