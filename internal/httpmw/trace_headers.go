package httpmw

import (
	"cmp"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTraceHeader = "X-Trace-Id"
	defaultSpanHeader  = "X-Span-Id"
)

// TraceResponseHeaders sets the trace and span ids on responses whose span is
// sampled, so a collector reporting a failed submission can quote an id that
// exists in the trace backend. Unsampled requests get no headers.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	traceHeader = cmp.Or(traceHeader, defaultTraceHeader)
	spanHeader = cmp.Or(spanHeader, defaultSpanHeader)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() && sc.IsSampled() {
				h := w.Header()
				h.Set(traceHeader, sc.TraceID().String())
				h.Set(spanHeader, sc.SpanID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
