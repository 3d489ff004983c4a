package log

import (
	"context"
	"sync"
)

// ctxKey is an unexported key type to avoid collisions in context
type ctxKey struct{}

// WithContext returns a new context that carries the given Logger
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger stored in ctx, or a fallback if none is present
func FromContext(ctx context.Context) Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(Logger); ok && l != nil {
			return l
		}
	}
	return Nop()
}

type notesKey struct{}

// notes collects fields that inner middleware learn about a request (user,
// locale) so an outer access log can report them after the handler returns.
type notes struct {
	mu sync.Mutex
	kv []any
}

// WithNotes attaches an empty notes holder to ctx.
func WithNotes(ctx context.Context) context.Context {
	return context.WithValue(ctx, notesKey{}, &notes{})
}

// Note appends key/value pairs to the holder in ctx. No-op without WithNotes.
func Note(ctx context.Context, kv ...any) {
	n, _ := ctx.Value(notesKey{}).(*notes)
	if n == nil || len(kv) < 2 {
		return
	}
	n.mu.Lock()
	n.kv = append(n.kv, kv[:len(kv)-len(kv)%2]...)
	n.mu.Unlock()
}

// Notes returns a copy of the pairs recorded in ctx.
func Notes(ctx context.Context) []any {
	n, _ := ctx.Value(notesKey{}).(*notes)
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]any, len(n.kv))
	copy(out, n.kv)
	return out
}
