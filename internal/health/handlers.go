package health

import (
	"io"
	"net/http"
)

// HealthzHandler serves liveness: 200 "ok" while p passes, 503 with the
// failure otherwise. A nil probe always passes.
func HealthzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ok") }

// ReadyzHandler serves readiness the same way with a "ready" body.
func ReadyzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ready") }

func probeHandler(p Probe, ok string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, ok
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				status, body = http.StatusServiceUnavailable, err.Error()
			}
		}
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(status)
		if r.Method != http.MethodHead {
			_, _ = io.WriteString(w, body+"\n")
		}
	}
}
