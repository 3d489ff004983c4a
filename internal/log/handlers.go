package log

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// DefaultRedactKeys are always masked. Matching is case-insensitive on the
// full attribute key.
var DefaultRedactKeys = []string{
	"password",
	"authorization",
	"cookie",
	"set-cookie",
	"http.request.header.authorization",
}

const redacted = "[REDACTED]"

func redactor(extra []string) func([]string, slog.Attr) slog.Attr {
	keys := make(map[string]struct{}, len(DefaultRedactKeys)+len(extra))
	for _, k := range append(append([]string(nil), DefaultRedactKeys...), extra...) {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return func(_ []string, a slog.Attr) slog.Attr {
		if _, ok := keys[strings.ToLower(a.Key)]; ok {
			return slog.String(a.Key, redacted)
		}
		return a
	}
}

// otelHandler adds trace_id and span_id when ctx carries a valid span.
type otelHandler struct{ next slog.Handler }

func (h otelHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h otelHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h otelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return otelHandler{next: h.next.WithAttrs(attrs)}
}

func (h otelHandler) WithGroup(name string) slog.Handler {
	return otelHandler{next: h.next.WithGroup(name)}
}

type hasPC interface {
	PC() uintptr
}

type hasStack interface {
	StackPCs() []uintptr
}

// stackHandler adds a "stack" attribute at or above level. A stack captured
// by the logged error wins over the stack of the logging call.
type stackHandler struct {
	next  slog.Handler
	level slog.Level
}

func (h stackHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h stackHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.level {
		return h.next.Handle(ctx, r)
	}
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if hs, ok := a.Value.Any().(hasStack); ok && hs != nil {
			pcs = hs.StackPCs()
		}
		return false
	})
	if len(pcs) > 0 {
		r.AddAttrs(slog.String("stack", renderPCs(pcs)))
	} else {
		r.AddAttrs(slog.String("stack", captureCleanStack()))
	}
	return h.next.Handle(ctx, r)
}

func (h stackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return stackHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h stackHandler) WithGroup(name string) slog.Handler {
	return stackHandler{next: h.next.WithGroup(name), level: h.level}
}

// loggingFrame reports frames that belong to the logging machinery itself.
func loggingFrame(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") || strings.Contains(fn, "/internal/log.")
}

// writeFrames renders frames as "func\n\tfile:line", starting at the first
// frame outside the logger and stopping at the runtime.
func writeFrames(b *strings.Builder, frames *runtime.Frames) {
	include := false
	for {
		fr, more := frames.Next()
		if !more || strings.HasPrefix(fr.Function, "runtime.") {
			return
		}
		if !include && !loggingFrame(fr.Function) {
			include = true
		}
		if include {
			fmt.Fprintf(b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
	}
}

func captureCleanStack() string {
	pcs := make([]uintptr, 64)
	// skip runtime.Callers, captureCleanStack, stackHandler.Handle
	n := runtime.Callers(3, pcs)
	var b strings.Builder
	writeFrames(&b, runtime.CallersFrames(pcs[:n]))
	return strings.TrimSpace(b.String())
}

// renderPCs renders a stack captured by xerrors.
func renderPCs(pcs []uintptr) string {
	var b strings.Builder
	writeFrames(&b, runtime.CallersFrames(pcs))
	return b.String()
}
