package otelx

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false, Endpoint: "ignored", Sample: 7})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider = %T, want SDK provider", otel.GetTracerProvider())
	}

	// spans get real ids so logs can be correlated
	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatal("span context invalid with tracing disabled")
	}
}

func TestInit_Propagators(t *testing.T) {
	shutdown, _ := Init(context.Background(), Options{})
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	fields := map[string]bool{}
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fields[f] = true
	}
	for _, want := range []string{"traceparent", "tracestate", "baggage"} {
		if !fields[want] {
			t.Errorf("propagator missing %s", want)
		}
	}
}

func TestInit_EnabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: true})
	if err == nil || shutdown != nil {
		t.Fatalf("Init = (%v, %v), want (nil, error)", shutdown != nil, err)
	}
}

func TestInit_EnabledUnreachableIsBounded(t *testing.T) {
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:  true,
		Endpoint: "127.0.0.1:1",
		Insecure: true,
		Sample:   1,
		Service:  "test",
	})
	if elapsed := time.Since(start); elapsed > exporterTimeout+2*time.Second {
		t.Fatalf("Init took %s", elapsed)
	}
	// the gRPC client connects lazily, so success is the usual outcome
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}
}

func TestNewProvider_Sampling(t *testing.T) {
	tests := []struct {
		name   string
		ratio  float64
		parent trace.TraceFlags
		hasPar bool
		want   int
	}{
		{"ratio 1 samples roots", 1, 0, false, 1},
		{"ratio above 1 is clamped", 5, 0, false, 1},
		{"ratio 0 drops roots", 0, 0, false, 0},
		{"negative ratio drops roots", -1, 0, false, 0},
		{"sampled parent wins over ratio 0", 0, trace.FlagsSampled, true, 1},
		{"unsampled parent wins over ratio 1", 1, 0, true, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exp := tracetest.NewInMemoryExporter()
			tp := newProvider(exp, resource.Empty(), tc.ratio)

			ctx := context.Background()
			if tc.hasPar {
				ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
					TraceID:    trace.TraceID{1},
					SpanID:     trace.SpanID{2},
					TraceFlags: tc.parent,
					Remote:     true,
				}))
			}
			_, span := tp.Tracer("test").Start(ctx, "op")
			span.End()
			if err := tp.ForceFlush(context.Background()); err != nil {
				t.Fatalf("ForceFlush: %v", err)
			}
			if got := len(exp.GetSpans()); got != tc.want {
				t.Fatalf("exported %d spans, want %d", got, tc.want)
			}
			_ = tp.Shutdown(context.Background())
		})
	}
}

func TestServiceName(t *testing.T) {
	cases := map[[2]string]string{
		{"formhub-edge", "server"}: "formhub-edge.server",
		{"formhub-edge", ""}:       "formhub-edge",
		{"", "server"}:             "server",
	}
	for in, want := range cases {
		if got := ServiceName(in[0], in[1]); got != want {
			t.Errorf("ServiceName(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}

func TestResourceAttrs_ExtrasSorted(t *testing.T) {
	kv := resourceAttrs(Options{
		Service:   "formhub-edge",
		Component: "server",
		Version:   "v1.2.3",
		Attributes: map[string]string{
			"upstream.url": "http://kobocat:8000",
			"edge.hooks":   "exceptions,auth",
		},
	})
	if len(kv) != 4 {
		t.Fatalf("len = %d, want 4", len(kv))
	}
	if kv[0].Value.AsString() != "formhub-edge.server" || kv[1].Value.AsString() != "v1.2.3" {
		t.Fatalf("service attrs = %v", kv[:2])
	}
	if kv[2].Key != "edge.hooks" || kv[3].Key != "upstream.url" {
		t.Fatalf("extras not sorted: %v, %v", kv[2].Key, kv[3].Key)
	}
}
