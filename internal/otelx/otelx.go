// Package otelx installs the global tracer provider and propagators for the
// edge server. Spans are exported over OTLP/gRPC to a local collector.
package otelx

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

const exporterTimeout = 3 * time.Second

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string

	// Attributes are added to the resource, e.g. upstream host or hook list.
	Attributes map[string]string
}

// ServiceName is the service.name reported for a component, "app.component".
func ServiceName(service, component string) string {
	switch {
	case component == "":
		return service
	case service == "":
		return component
	}
	return service + "." + component
}

func resourceAttrs(o Options) []attribute.KeyValue {
	kv := []attribute.KeyValue{
		semconv.ServiceNameKey.String(ServiceName(o.Service, o.Component)),
		semconv.ServiceVersionKey.String(o.Version),
	}
	for _, k := range slices.Sorted(maps.Keys(o.Attributes)) {
		kv = append(kv, attribute.String(k, o.Attributes[k]))
	}
	return kv
}

// sampler follows the caller's decision when there is one and samples new
// traces at ratio, clamped to [0, 1].
func sampler(ratio float64) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(min(max(ratio, 0), 1)))
}

func newProvider(exp sdktrace.SpanExporter, res *resource.Resource, ratio float64) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(ratio)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
}

func install(tp *sdktrace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}

// Init installs the global tracer provider and returns its shutdown. With
// tracing disabled the provider has no exporter, so spans still carry ids
// for log correlation but never leave the process.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	if !o.Enabled {
		tp := sdktrace.NewTracerProvider()
		install(tp)
		return tp.Shutdown, nil
	}
	if o.Endpoint == "" {
		return nil, xerrors.New("otelx: tracing enabled without an OTLP endpoint")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	ectx, cancel := context.WithTimeout(ctx, exporterTimeout)
	defer cancel()
	exp, err := otlptracegrpc.New(ectx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otelx: otlp exporter for %s", o.Endpoint)
	}

	// detector errors still return a usable partial resource
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(resourceAttrs(o)...),
	)

	tp := newProvider(exp, res, o.Sample)
	install(tp)
	return tp.Shutdown, nil
}
