package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/formhub-edge/internal/health"
	"github.com/keithlinneman/formhub-edge/internal/httpmw"
	"github.com/keithlinneman/formhub-edge/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Hooks wrap the router in order, outermost first (see pipeline.Build).
	Hooks []func(http.Handler) http.Handler

	// Upstream receives every request no explicit route claims. Nil leaves
	// those requests to chi's 404.
	Upstream http.Handler

	// APIRoutes registers the edge's own routes (e.g. /-/whoami).
	APIRoutes func(chi.Router)

	// UseRecoverMW adds a last-resort Recover outside the hooks for lists
	// that do not register exception handling.
	UseRecoverMW bool
	OnPanic      func()

	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	// MaxBodyBytes caps request bodies; 0 means no cap.
	MaxBodyBytes int64

	// Health backs /-/healthy; nil always passes.
	Health    health.Probe
	Readiness health.Probe
}
