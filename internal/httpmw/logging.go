package httpmw

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/formhub-edge/internal/log"
)

const tracerName = "formhub-edge/httpmw"

// quietPaths are probed by load balancers every few seconds and never logged.
var quietPaths = map[string]bool{
	"/-/healthy": true,
	"/-/ready":   true,
}

// accessWriter records what was sent to the collector. Time blocked on the
// client is traced as a response.write child span when the request span
// is recording.
type accessWriter struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status  int
	bytes   int64
	blocked time.Duration
	ttfb    time.Duration
	err     error

	began bool
	span  trace.Span
}

func (aw *accessWriter) begin() {
	if aw.began {
		return
	}
	aw.began = true
	aw.ttfb = time.Since(aw.start)

	if !trace.SpanFromContext(aw.ctx).IsRecording() {
		return
	}
	aw.ctx, aw.span = otel.Tracer(tracerName).Start(aw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", aw.ttfb.Seconds())))
}

func (aw *accessWriter) end() {
	if aw.span == nil {
		return
	}
	aw.span.SetAttributes(
		attribute.Int("http.response.status_code", aw.code()),
		attribute.Int64("http.response.body.size", aw.bytes),
		attribute.Float64("http.server.write.block_seconds", aw.blocked.Seconds()),
	)
	if aw.err != nil {
		aw.span.RecordError(aw.err)
		aw.span.SetStatus(codes.Error, aw.err.Error())
	}
	aw.span.End()
}

// code is the status sent, 200 when the handler never wrote.
func (aw *accessWriter) code() int {
	if aw.status == 0 {
		return http.StatusOK
	}
	return aw.status
}

func (aw *accessWriter) WriteHeader(code int) {
	aw.begin()
	if aw.status == 0 && code >= 200 {
		aw.status = code
	}
	t := time.Now()
	aw.ResponseWriter.WriteHeader(code)
	aw.blocked += time.Since(t)
}

func (aw *accessWriter) Write(b []byte) (int, error) {
	aw.begin()
	if aw.status == 0 {
		aw.status = http.StatusOK
	}
	t := time.Now()
	n, err := aw.ResponseWriter.Write(b)
	aw.blocked += time.Since(t)
	aw.bytes += int64(n)
	if err != nil && aw.err == nil {
		aw.err = err
	}
	return n, err
}

func (aw *accessWriter) Flush() {
	if f, ok := aw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (aw *accessWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := aw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func (aw *accessWriter) Unwrap() http.ResponseWriter { return aw.ResponseWriter }

// WithLogger stores a request scoped logger in the context. It relies on
// RequestID and ClientIP running first; headers the client controls are
// never copied into the logger fields.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			client := ClientIPFromContext(ctx)
			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog emits one line per request once the handler returns. Fields
// noted by inner middleware (user.name, locale) are appended. Server errors
// are logged at warn level.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := log.WithNotes(r.Context())
			r = r.WithContext(ctx)
			aw := &accessWriter{ResponseWriter: w, ctx: ctx, start: time.Now()}

			next.ServeHTTP(aw, r)
			aw.end()

			if quietPaths[r.URL.Path] {
				return
			}

			route := RoutePattern(r)
			reqSize := r.ContentLength
			if reqSize < 0 {
				reqSize = 0
			}

			fields := append([]any{
				"http.response.status_code", aw.code(),
				"http.route", route,
				"http.server.request.duration", time.Since(aw.start).Seconds(),
				"http.server.ttfb", aw.ttfb.Seconds(),
				"http.request.body.size", reqSize,
				"http.response.body.size", aw.bytes,
			}, log.Notes(ctx)...)

			L := log.FromContext(ctx)
			if aw.code() >= http.StatusInternalServerError {
				L.Warn(ctx, "http request failed", fields...)
				return
			}
			L.Info(ctx, "http request", fields...)
		})
	}
}

// schemeFromRequest only ever returns "http" or "https". X-Forwarded-Proto
// is trusted here because ClientIP strips it from untrusted peers.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		switch s := strings.ToLower(strings.TrimSpace(first)); s {
		case "http", "https":
			return s
		}
	}
	if r.URL != nil {
		switch s := strings.ToLower(r.URL.Scheme); s {
		case "http", "https":
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the local handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
