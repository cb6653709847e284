// Package observe provides application-wide observability primitives for
// lingualink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// The audio engines keep their own lock-free counters. Their values are
// exported through observable instruments that read a [Snapshot] at
// collection time (see [Metrics.Observe]), so the audio hot paths never call
// into the metrics SDK.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all lingualink metrics.
const meterName = "github.com/MrWong99/lingualink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// DeviceAcquireDuration tracks how long capture device acquisition takes.
	// Use with attribute.String("kind", "microphone"|"system").
	DeviceAcquireDuration metric.Float64Histogram

	// SystemAudioConnectDuration tracks loopback link switching latency.
	SystemAudioConnectDuration metric.Float64Histogram

	// --- Counters ---

	// DeviceErrors counts failed device acquisitions. Use with attributes:
	//   attribute.String("reason", ...), attribute.String("kind", ...)
	DeviceErrors metric.Int64Counter

	// SystemAudioConnects counts loopback connect attempts. Use with
	// attribute.String("status", "ok"|"error"|"rejected").
	SystemAudioConnects metric.Int64Counter

	// DeviceChanges counts device list changes seen by the device watcher.
	// Use with attribute.String("kind", "input"|"output").
	DeviceChanges metric.Int64Counter

	// --- Observable instruments fed by [Snapshot] ---

	captureFrames      metric.Int64ObservableCounter
	captureDropped     metric.Int64ObservableCounter
	playbackBuffers    metric.Int64ObservableCounter
	renderFailures     metric.Int64ObservableCounter
	interrupts         metric.Int64ObservableCounter
	droppedInterrupted metric.Int64ObservableCounter
	passthroughRouted  metric.Int64ObservableCounter
	passthroughDropped metric.Int64ObservableCounter
	vmicMessages       metric.Int64ObservableCounter
	vmicDropped        metric.Int64ObservableCounter
	vmicFailures       metric.Int64ObservableCounter
	activeTracks       metric.Int64ObservableGauge
	vmicClients        metric.Int64ObservableGauge
	webrtcPeers        metric.Int64ObservableGauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// Snapshot is a point-in-time copy of the pipeline counters.
type Snapshot struct {
	CaptureFrames      uint64
	CaptureDropped     uint64
	PlaybackBuffers    uint64
	RenderFailures     uint64
	Interrupts         uint64
	DroppedInterrupted uint64
	PassthroughRouted  uint64
	PassthroughDropped uint64
	VirtualMicMessages uint64
	VirtualMicDropped  uint64
	VirtualMicFailures uint64
	ActiveTracks       int
	VirtualMicClients  int
	WebRTCPeers        int
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for device
// and link operations.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.DeviceAcquireDuration, err = m.Float64Histogram("lingualink.device.acquire.duration",
		metric.WithDescription("Latency of capture device acquisition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SystemAudioConnectDuration, err = m.Float64Histogram("lingualink.system_audio.connect.duration",
		metric.WithDescription("Latency of switching the system audio loopback link."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.DeviceErrors, err = m.Int64Counter("lingualink.device.errors",
		metric.WithDescription("Failed device acquisitions by reason and kind."),
	); err != nil {
		return nil, err
	}
	if met.SystemAudioConnects, err = m.Int64Counter("lingualink.system_audio.connects",
		metric.WithDescription("System audio connect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.DeviceChanges, err = m.Int64Counter("lingualink.device.changes",
		metric.WithDescription("Device list changes by kind."),
	); err != nil {
		return nil, err
	}

	// Observable counters.
	counters := []struct {
		dst  *metric.Int64ObservableCounter
		name string
		desc string
	}{
		{&met.captureFrames, "lingualink.capture.frames", "Frames delivered to the recording callback."},
		{&met.captureDropped, "lingualink.capture.dropped", "Capture blocks dropped because the control path fell behind."},
		{&met.playbackBuffers, "lingualink.playback.buffers", "Playback buffers rendered to completion or interruption."},
		{&met.renderFailures, "lingualink.playback.render_failures", "Playback buffers that failed to render."},
		{&met.interrupts, "lingualink.playback.interrupts", "Barge-in interruptions."},
		{&met.droppedInterrupted, "lingualink.playback.dropped_interrupted", "Buffers dropped because their track was interrupted."},
		{&met.passthroughRouted, "lingualink.passthrough.routed", "Passthrough chunks routed to their destinations."},
		{&met.passthroughDropped, "lingualink.passthrough.dropped", "Passthrough chunks dropped on ring buffer overflow."},
		{&met.vmicMessages, "lingualink.virtual_mic.messages", "PCM_DATA messages sent to virtual microphone transports."},
		{&met.vmicDropped, "lingualink.virtual_mic.dropped", "Buffers dropped by the virtual microphone bridge."},
		{&met.vmicFailures, "lingualink.virtual_mic.failures", "Virtual microphone transport delivery failures."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64ObservableCounter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Observable gauges.
	if met.activeTracks, err = m.Int64ObservableGauge("lingualink.playback.active_tracks",
		metric.WithDescription("Tracks with buffered, queued, or playing audio."),
	); err != nil {
		return nil, err
	}
	if met.vmicClients, err = m.Int64ObservableGauge("lingualink.virtual_mic.clients",
		metric.WithDescription("Connected virtual microphone WebSocket clients."),
	); err != nil {
		return nil, err
	}
	if met.webrtcPeers, err = m.Int64ObservableGauge("lingualink.virtual_mic.webrtc_peers",
		metric.WithDescription("Connected virtual microphone WebRTC peers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lingualink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Observe registers fn as the source of the observable pipeline instruments.
// fn is called once per collection. Unregister the returned registration when
// the pipeline shuts down.
func (m *Metrics) Observe(fn func() Snapshot) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := fn()
		o.ObserveInt64(m.captureFrames, int64(s.CaptureFrames))
		o.ObserveInt64(m.captureDropped, int64(s.CaptureDropped))
		o.ObserveInt64(m.playbackBuffers, int64(s.PlaybackBuffers))
		o.ObserveInt64(m.renderFailures, int64(s.RenderFailures))
		o.ObserveInt64(m.interrupts, int64(s.Interrupts))
		o.ObserveInt64(m.droppedInterrupted, int64(s.DroppedInterrupted))
		o.ObserveInt64(m.passthroughRouted, int64(s.PassthroughRouted))
		o.ObserveInt64(m.passthroughDropped, int64(s.PassthroughDropped))
		o.ObserveInt64(m.vmicMessages, int64(s.VirtualMicMessages))
		o.ObserveInt64(m.vmicDropped, int64(s.VirtualMicDropped))
		o.ObserveInt64(m.vmicFailures, int64(s.VirtualMicFailures))
		o.ObserveInt64(m.activeTracks, int64(s.ActiveTracks))
		o.ObserveInt64(m.vmicClients, int64(s.VirtualMicClients))
		o.ObserveInt64(m.webrtcPeers, int64(s.WebRTCPeers))
		return nil
	},
		m.captureFrames, m.captureDropped, m.playbackBuffers, m.renderFailures,
		m.interrupts, m.droppedInterrupted, m.passthroughRouted, m.passthroughDropped,
		m.vmicMessages, m.vmicDropped, m.vmicFailures,
		m.activeTracks, m.vmicClients, m.webrtcPeers,
	)
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

// RecordDeviceError records a failed device acquisition.
func (m *Metrics) RecordDeviceError(ctx context.Context, kind, reason string) {
	m.DeviceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", reason),
		),
	)
}

// RecordSystemAudioConnect records a loopback connect attempt and its
// latency in seconds.
func (m *Metrics) RecordSystemAudioConnect(ctx context.Context, status string, seconds float64) {
	m.SystemAudioConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.SystemAudioConnectDuration.Record(ctx, seconds)
}

// RecordDeviceChange records a change in the device list of kind.
func (m *Metrics) RecordDeviceChange(ctx context.Context, kind string) {
	m.DeviceChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
