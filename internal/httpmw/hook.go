package httpmw

import (
	"bufio"
	"net"
	"net/http"
)

// PostResponseFunc is called once with the outgoing status, before it is
// written. Writing to w from inside the hook replaces the handler's response;
// changing only w.Header() keeps the handler's body with the new headers.
type PostResponseFunc func(code int, w http.ResponseWriter, r *http.Request)

// PostResponse runs fn on every response. A handler that never writes is
// treated as an implicit 200 so fn still runs.
func PostResponse(fn PostResponseFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hw := &hookWriter{ResponseWriter: w, r: r, hook: fn}
			next.ServeHTTP(hw, r)
			if !hw.wroteHeader && !hw.hooked && !hw.hijacked {
				hw.WriteHeader(http.StatusOK)
			}
		})
	}
}

// PreRequest runs fn against the request before passing it on.
func PreRequest(fn func(r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fn(r)
			next.ServeHTTP(w, r)
		})
	}
}

type hookWriter struct {
	http.ResponseWriter
	r    *http.Request
	hook PostResponseFunc

	// hook wrote its own response, later handler output is discarded
	hooked      bool
	wroteHeader bool
	inHook      bool
	hijacked    bool
	// hook panicked; the response belongs to whoever recovers
	aborted bool
}

func (w *hookWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	if w.inHook {
		w.wroteHeader = true
		w.hooked = true
		w.ResponseWriter.WriteHeader(code)
		return
	}
	if w.hooked {
		return
	}

	w.runHook(code)
	if !w.hooked {
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

// runHook calls the hook. If it panics, the writer is left closed so output
// produced while the panic unwinds (a compressor's trailer, say) never
// reaches the client and recovery can still send its 500.
func (w *hookWriter) runHook(code int) {
	w.inHook = true
	done := false
	defer func() {
		w.inHook = false
		if !done {
			w.hooked, w.wroteHeader, w.aborted = true, true, true
		}
	}()
	w.hook(code, w, w.r)
	done = true
}

func (w *hookWriter) Write(b []byte) (int, error) {
	if w.inHook {
		w.hooked = true
		w.wroteHeader = true
		return w.ResponseWriter.Write(b)
	}
	if !w.wroteHeader && !w.hooked {
		w.WriteHeader(http.StatusOK)
	}
	if w.hooked {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *hookWriter) Flush() {
	if w.aborted {
		return
	}
	if !w.wroteHeader && !w.hooked {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *hookWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *hookWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
