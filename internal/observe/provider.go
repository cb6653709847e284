package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attribute keys describing the audio pipeline a process runs.
const (
	AttrSampleRate      = attribute.Key("lingualink.audio.sample_rate")
	AttrPlatform        = attribute.Key("lingualink.audio.platform")
	AttrCaptureBackends = attribute.Key("lingualink.audio.capture_backends")
	AttrPlaybackBackend = attribute.Key("lingualink.audio.playback_backend")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "lingualink".
	ServiceName string

	// ServiceVersion is the build version, usually main.version.
	ServiceVersion string

	// SampleRate is the pipeline sample rate in Hz. Zero omits the attribute.
	SampleRate int

	// Platform names the system audio platform backend, if any.
	Platform string

	// CaptureBackends lists the capture backend chain in fallback order.
	CaptureBackends []string

	// PlaybackBackend names the sink opener backend, if any.
	PlaybackBackend string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter

	// MetricReader replaces the Prometheus exporter when set. Tests pass a
	// [sdkmetric.ManualReader].
	MetricReader sdkmetric.Reader
}

// newResource describes the running pipeline. Every metric and span carries
// these attributes, so dashboards can split by backend or sample rate.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.SampleRate > 0 {
		attrs = append(attrs, AttrSampleRate.Int(cfg.SampleRate))
	}
	if cfg.Platform != "" {
		attrs = append(attrs, AttrPlatform.String(cfg.Platform))
	}
	if len(cfg.CaptureBackends) > 0 {
		attrs = append(attrs, AttrCaptureBackends.StringSlice(cfg.CaptureBackends))
	}
	if cfg.PlaybackBackend != "" {
		attrs = append(attrs, AttrPlaybackBackend.String(cfg.PlaybackBackend))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// InitProvider installs global meter and tracer providers built from cfg.
// Metrics go to a Prometheus exporter unless cfg.MetricReader is set.
//
// The returned shutdown flushes and closes both providers; call it once the
// pipeline has stopped.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lingualink"
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reader := cfg.MetricReader
	if reader == nil {
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		reader = exp
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
