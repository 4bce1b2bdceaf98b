// Package otelx installs the global OpenTelemetry tracer provider and
// propagators. Gate operations and HTTP handlers start spans through
// otel.Tracer and pick up whatever Init installed.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"

	"github.com/keithlinneman/govexport/internal/xerrors"
)

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string

	// Exporter replaces the OTLP gRPC exporter; Endpoint and Insecure are
	// then ignored.
	Exporter sdktrace.SpanExporter
}

type ShutdownFunc func(context.Context) error

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// sampler honours a sampled parent and otherwise samples ratio of new
// traces. Ratios at the bounds avoid the ratio sampler entirely.
func sampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case ratio >= 1:
		root = sdktrace.AlwaysSample()
	case ratio <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

func newResource(ctx context.Context, o Options) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(o.Service + "." + o.Component),
		semconv.ServiceVersionKey.String(o.Version),
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		// partial resources are still usable; fall back to the bare attributes
		return resource.NewSchemaless(attrs...)
	}
	return res
}

// Init installs a tracer provider. Disabled tracing still installs an SDK
// provider so span contexts propagate through headers.
func Init(ctx context.Context, o Options) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagator())
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())))
		return func(context.Context) error { return nil }, nil
	}

	exp := o.Exporter
	if exp == nil {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(o.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(userAgent(o))),
		}
		if o.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		// the collector is local; do not block startup on it
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		var err error
		exp, err = otlptracegrpc.New(dialCtx, opts...)
		if err != nil {
			return nil, xerrors.Wrapf(err, "create OTLP exporter for %s", o.Endpoint)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(o.Sample)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(newResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return xerrors.Wrap(err, "shutdown tracer provider")
		}
		return nil
	}, nil
}

// userAgent identifies the exporting service to the collector.
func userAgent(o Options) string {
	ua := o.Service
	if o.Component != "" {
		ua += "-" + o.Component
	}
	if o.Version != "" {
		ua += "/" + o.Version
	}
	return ua
}
