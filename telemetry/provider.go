// Package telemetry provides OpenTelemetry integration for turnbridge,
// including TracerProvider management, trace propagation, and an
// update-to-span listener.
package telemetry

import (
	"context"

	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/voicewire/turnbridge/version"
)

// InstrumentationName is the OTel instrumentation scope name.
const InstrumentationName = "github.com/voicewire/turnbridge"

// Tracer returns a named tracer from the given TracerProvider.
// If tp is nil the global noop provider is used.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(InstrumentationName, trace.WithInstrumentationVersion(version.GetVersion()))
}

// NewTracerProvider creates a TracerProvider that exports spans via
// OTLP/HTTP. An empty endpoint defers to the exporter's standard
// OTEL_EXPORTER_OTLP_* environment resolution. The caller is responsible
// for calling Shutdown on the returned provider.
func NewTracerProvider(ctx context.Context, endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	var expOpts []otlptracehttp.Option
	if endpoint != "" {
		expOpts = append(expOpts, otlptracehttp.WithEndpointURL(endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, expOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version.GetVersion()),
		),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// SetupPropagation configures the global OTel text-map propagator to handle
// W3C TraceContext, W3C Baggage, and AWS X-Ray trace headers. Outbound
// clients built on otelhttp then carry session traces across webhook and
// service calls without manual header plumbing.
func SetupPropagation() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		xray.Propagator{},
	))
}
