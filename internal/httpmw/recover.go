package httpmw

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/formhub-edge/internal/log"
)

// Recover converts handler panics into a logged error and a 500 response.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return RecoverAndReport(L, onPanic, nil)
}

// RecoverAndReport is Recover with an ExceptionReporter. The reporter sees
// every recovered panic, including *RenderError raised by post-response hooks.
func RecoverAndReport(L log.Logger, onPanic func(), rep *ExceptionReporter) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &trackingWriter{ResponseWriter: w}
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}

				err := &PanicError{Value: p, Stack: debug.Stack()}
				ctx := r.Context()

				if rep != nil {
					rep.Report(r, err)
				}
				if onPanic != nil {
					onPanic()
				}

				kv := []any{
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				}
				var re *RenderError
				if errors.As(err, &re) {
					kv = append(kv, "template", re.Template)
				}
				L.With("request_id", RequestIDFromContext(ctx)).Error(ctx, err, "httpserver panic recovered", kv...)

				if tw.wrote {
					return
				}
				h := w.Header()
				h.Del("Content-Encoding")
				h.Del("Content-Length")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(tw, r)
		})
	}
}

// trackingWriter records whether the status line has been sent.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	if code >= 200 || code == http.StatusSwitchingProtocols {
		t.wrote = true
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Flush() {
	t.wrote = true
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (t *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := t.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	t.wrote = true
	return h.Hijack()
}

func (t *trackingWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }
