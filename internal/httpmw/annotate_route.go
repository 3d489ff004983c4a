package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/formhub-edge/internal/auth"
	"github.com/keithlinneman/formhub-edge/internal/locale"
)

// RoutePattern returns the chi pattern that served r, or the raw path when
// no route matched (or chi never ran).
func RoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// AnnotateHTTPRoute renames the request span to "METHOD pattern" once the
// handler has run, and tags it with the route, the authenticated user and
// the resolved language.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return
		}
		route := RoutePattern(r)
		span.SetName(r.Method + " " + route)

		attrs := []attribute.KeyValue{attribute.String("http.route", route)}
		if p, ok := auth.PrincipalFromContext(ctx); ok && p.IsAuthenticated() {
			attrs = append(attrs, attribute.String("enduser.id", p.Username))
		}
		if tag, ok := locale.FromContext(ctx); ok {
			attrs = append(attrs, attribute.String("app.locale", tag.String()))
		}
		span.SetAttributes(attrs...)
	})
}
