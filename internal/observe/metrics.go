// Package observe provides application-wide observability primitives for
// circlecall: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all circlecall metrics.
const meterName = "github.com/MrWong99/circlecall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// JoinDuration tracks how long joining a call takes. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("status", ...)
	JoinDuration metric.Float64Histogram

	// SegmentationDuration tracks background-segmentation inference time.
	SegmentationDuration metric.Float64Histogram

	// CompositeDuration tracks the time to composite one blurred frame.
	CompositeDuration metric.Float64Histogram

	// --- Counters ---

	// SignalingMessages counts relayed signaling messages. Use with attribute:
	//   attribute.String("event", ...)
	SignalingMessages metric.Int64Counter

	// Reconnects counts reconnection attempts. Use with attributes:
	//   attribute.String("component", ...), attribute.String("status", ...)
	Reconnects metric.Int64Counter

	// IdentityCollisions counts joins retried because the requested identity
	// was taken.
	IdentityCollisions metric.Int64Counter

	// --- Error counters ---

	// TransportErrors counts transport errors. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("kind", ...)
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of remote participants across
	// all sessions.
	ActiveParticipants metric.Int64UpDownCounter

	// SignalingConnections tracks open relay websocket connections.
	SignalingConnections metric.Int64UpDownCounter

	// ActiveBlurPipelines tracks running background-blur pipelines.
	ActiveBlurPipelines metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks relay request time, labelled by method,
	// route pattern and whether the request upgraded to a websocket.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for call
// setup latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// frameBuckets defines histogram bucket boundaries (in seconds) for per-frame
// processing.
var frameBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.016, 0.033, 0.05, 0.1, 0.25,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.JoinDuration, err = m.Float64Histogram("circlecall.join.duration",
		metric.WithDescription("Latency of joining a call by transport and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentationDuration, err = m.Float64Histogram("circlecall.blur.segmentation.duration",
		metric.WithDescription("Latency of one background-segmentation inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompositeDuration, err = m.Float64Histogram("circlecall.blur.composite.duration",
		metric.WithDescription("Latency of compositing one blurred frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SignalingMessages, err = m.Int64Counter("circlecall.signaling.messages",
		metric.WithDescription("Total signaling messages handled by event."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("circlecall.reconnects",
		metric.WithDescription("Total reconnection attempts by component and status."),
	); err != nil {
		return nil, err
	}
	if met.IdentityCollisions, err = m.Int64Counter("circlecall.identity_collisions",
		metric.WithDescription("Total joins retried after an identity collision."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TransportErrors, err = m.Int64Counter("circlecall.transport.errors",
		metric.WithDescription("Total transport errors by transport and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("circlecall.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("circlecall.active_participants",
		metric.WithDescription("Number of remote participants across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.SignalingConnections, err = m.Int64UpDownCounter("circlecall.signaling.connections",
		metric.WithDescription("Number of open signaling connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveBlurPipelines, err = m.Int64UpDownCounter("circlecall.blur.active_pipelines",
		metric.WithDescription("Number of running background-blur pipelines."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("circlecall.http.request.duration",
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

// RecordJoin records the duration and outcome of a join attempt.
func (m *Metrics) RecordJoin(ctx context.Context, transport, status string, d time.Duration) {
	m.JoinDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("status", status),
		),
	)
}

// RecordSignalingMessage counts one handled signaling message.
func (m *Metrics) RecordSignalingMessage(ctx context.Context, event string) {
	m.SignalingMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordReconnect counts one reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, component, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("status", status),
		),
	)
}

// RecordTransportError counts one transport error.
func (m *Metrics) RecordTransportError(ctx context.Context, transport, kind string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("kind", kind),
		),
	)
}
