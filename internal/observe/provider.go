package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the voice pipeline a process serves.
const (
	AttrProvider     = attribute.Key("voxfolio.provider")
	AttrModel        = attribute.Key("voxfolio.model")
	AttrAudioBackend = attribute.Key("voxfolio.audio.backend")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "voxfolio".
	ServiceName string

	// ServiceVersion is the build version. Default: "dev".
	ServiceVersion string

	// Provider, Model and AudioBackend name the configured speech-to-speech
	// provider and audio backend. Empty values are omitted from the resource.
	Provider     string
	Model        string
	AudioBackend string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter

	// MetricReader replaces the Prometheus exporter when set.
	MetricReader sdkmetric.Reader
}

// Telemetry is the process-wide OTel setup returned by [InitProvider].
type Telemetry struct {
	// Metrics is bound to the installed meter provider. Hand it to the app
	// instead of relying on [DefaultMetrics].
	Metrics *Metrics

	// Resource is the resource attached to every span and metric.
	Resource *resource.Resource

	shutdown []func(context.Context) error
}

// Shutdown flushes and closes the exporters. Call it once from main.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InitProvider installs a meter provider (Prometheus-backed unless
// cfg.MetricReader is set) and a tracer provider as the global OTel providers,
// both tagged with the voice pipeline's resource attributes.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	reader := cfg.MetricReader
	if reader == nil {
		if reader, err = promexporter.New(); err != nil {
			return nil, err
		}
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

	tel := &Telemetry{
		Resource: res,
		shutdown: []func(context.Context) error{mp.Shutdown, tp.Shutdown},
	}
	if tel.Metrics, err = NewMetrics(mp); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	return tel, nil
}

func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxfolio"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	for _, kv := range []struct {
		key attribute.Key
		val string
	}{
		{AttrProvider, cfg.Provider},
		{AttrModel, cfg.Model},
		{AttrAudioBackend, cfg.AudioBackend},
	} {
		if kv.val != "" {
			attrs = append(attrs, kv.key.String(kv.val))
		}
	}
	// resource.Default carries a newer schema URL; merging two different
	// URLs fails.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}
