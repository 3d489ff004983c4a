package httpmw

import (
	"bufio"
	"context"
	"net"
	"net/http/httptest"
	"sync"

	"github.com/keithlinneman/formhub-edge/internal/log"
)

type logEntry struct {
	level string
	msg   string
	err   error
	kv    []any
}

// get returns the value logged for key, looking at With fields too.
func (e logEntry) get(key string) (any, bool) {
	for i := 0; i+1 < len(e.kv); i += 2 {
		if k, _ := e.kv[i].(string); k == key {
			return e.kv[i+1], true
		}
	}
	return nil, false
}

// recordLogger keeps every entry in memory. With returns a child sharing the
// same entry list so request scoped loggers can be inspected afterwards.
type recordLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  []any
}

func newRecordLogger() *recordLogger {
	return &recordLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordLogger) With(kv ...any) log.Logger {
	fields := append(append([]any{}, l.fields...), kv...)
	return &recordLogger{mu: l.mu, entries: l.entries, fields: fields}
}

func (l *recordLogger) add(level string, err error, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := append(append([]any{}, l.fields...), kv...)
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, kv: all})
}

func (l *recordLogger) Debug(_ context.Context, msg string, kv ...any) { l.add("debug", nil, msg, kv) }
func (l *recordLogger) Info(_ context.Context, msg string, kv ...any)  { l.add("info", nil, msg, kv) }
func (l *recordLogger) Warn(_ context.Context, msg string, kv ...any)  { l.add("warn", nil, msg, kv) }
func (l *recordLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add("error", err, msg, kv)
}
func (l *recordLogger) Sync() error { return nil }

func (l *recordLogger) all() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), *l.entries...)
}

func (l *recordLogger) last() (logEntry, bool) {
	e := l.all()
	if len(e) == 0 {
		return logEntry{}, false
	}
	return e[len(e)-1], true
}

type flusherRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flusherRecorder) Flush() { f.flushed = true }

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}
