package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

type slogLogger struct {
	h                 slog.Handler
	attrs             []slog.Attr
	includeErrorLinks bool
	maxErrorLinks     int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}
	if opts.MaxErrorLinks <= 0 {
		opts.MaxErrorLinks = 8
	}

	hopts := &slog.HandlerOptions{
		Level:       opts.Level,
		AddSource:   true,
		ReplaceAttr: redactor(opts.RedactKeys),
	}
	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	h = otelHandler{next: h}
	h = stackHandler{next: h, level: opts.StacktraceLevel}

	return &slogLogger{
		h:                 h,
		attrs:             buildAttrs(opts),
		includeErrorLinks: opts.IncludeErrorLinks,
		maxErrorLinks:     opts.MaxErrorLinks,
	}, nil
}

// buildAttrs returns the attributes stamped on every record.
func buildAttrs(opts Options) []slog.Attr {
	attrs := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}
	if opts.Commit != "" && opts.Commit != "none" {
		attrs = append(attrs, slog.String("commit", opts.Commit))
	}
	if opts.BuildId != "" {
		attrs = append(attrs, slog.String("build_id", opts.BuildId))
	}
	return attrs
}

// kvAttrs converts alternating key/value pairs, dropping non-string keys
// and a trailing key without a value.
func kvAttrs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}

func addKV(r *slog.Record, kv []any) {
	r.AddAttrs(kvAttrs(kv)...)
}

func (s *slogLogger) With(kv ...any) Logger {
	add := kvAttrs(kv)
	// copy-on-write; loggers are shared across request goroutines
	next := make([]slog.Attr, 0, len(s.attrs)+len(add))
	next = append(next, s.attrs...)
	next = append(next, add...)
	cp := *s
	cp.attrs = next
	return &cp
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, s.errorKV(err)...)
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) errorKV(err error) []any {
	surface, root := classifyTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if s.includeErrorLinks {
		kv = append(kv, "error_links", chainLinks(err, s.maxErrorLinks))
	}
	return kv
}

// callerPC returns the pc skip frames up, for the record's source position.
func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// emit must be called directly from the exported level methods; the source
// position is taken a fixed number of frames up.
func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// runtime.Callers, callerPC, emit, Info/Warn/...
	r := slog.NewRecord(time.Now(), lvl, msg, callerPC(4))
	r.AddAttrs(s.attrs...)
	addKV(&r, kv)
	_ = s.h.Handle(ctx, r)
}
