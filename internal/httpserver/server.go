// Package httpserver assembles the public listener: the fixed outer
// middleware, the configured hooks, and a chi router that serves the edge's
// own routes and proxies everything else upstream.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/formhub-edge/internal/health"
	"github.com/keithlinneman/formhub-edge/internal/httpmw"
	"github.com/keithlinneman/formhub-edge/internal/log"
	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 8080

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 60 * time.Second // submissions carry media attachments
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20

	shutdownTimeout = 5 * time.Second
)

// compressible lists the response types worth gzipping. Form definitions,
// form lists and manifests are XML.
var compressible = []string{
	"text/html",
	"text/css",
	"text/xml",
	"application/xml",
	"text/javascript",
	"application/javascript",
	"application/json",
	"image/svg+xml",
}

// untracedExt are static asset suffixes served through the proxy.
var untracedExt = map[string]bool{
	".css": true, ".js": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".svg": true, ".ico": true,
	".woff": true, ".woff2": true,
}

// traced decides which requests get a server span.
func traced(r *http.Request) bool {
	switch p := r.URL.Path; p {
	case "/favicon.ico", "/robots.txt", "/-/healthy", "/-/ready":
		return false
	default:
		return !untracedExt[strings.ToLower(path.Ext(p))]
	}
}

func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(traced),
		// renamed to the route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

func newRouter(opts Options) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, compressible...))
	r.Use(httpmw.AnnotateHTTPRoute)

	// chi applies Use middleware only once a route exists, so liveness is
	// always registered; NotFound alone would skip compression and tracing.
	live := opts.Health
	if live == nil {
		live = health.Fixed(true, "")
	}
	r.Get("/-/healthy", health.HealthzHandler(live))
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	if opts.Upstream != nil {
		// NotFound rather than a "/*" route, so a wrong method on a local
		// route is still a 405 instead of being proxied.
		r.NotFound(upstreamRoute(opts.Upstream))
	}
	return r
}

// UpstreamRoute is the route label for proxied requests.
const UpstreamRoute = "/*"

func upstreamRoute(up http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rc := chi.RouteContext(r.Context()); rc != nil {
			rc.RoutePatterns = append(rc.RoutePatterns, UpstreamRoute)
		}
		up.ServeHTTP(w, r)
	}
}

// NewHandler wraps the router in the outer middleware and opts.Hooks.
// Outer middleware runs, outermost first: security headers, last-resort
// recovery, request id, client ip, rate limit, tracing, trace headers,
// metrics, request logger, access log. Hooks follow, then the body cap.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	var recoverMW, maxBody func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}
	if opts.MaxBodyBytes > 0 {
		maxBody = httpmw.MaxBody(opts.MaxBodyBytes)
	}

	mws := []func(http.Handler) http.Handler{
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID(httpmw.RequestIDHeader),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		opts.RateLimitMW,
		tracing,
		httpmw.TraceResponseHeaders("", ""),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
		httpmw.AccessLog(),
	}
	mws = append(mws, opts.Hooks...)
	mws = append(mws, maxBody)

	return httpmw.Chain(newRouter(opts), mws...)
}

// NewServer returns an http.Server with the package timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port and serves NewHandler(opts) in the background.
// The returned stop drains in-flight requests; calls after the first are
// no-ops.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := ":" + strconv.Itoa(port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}
	srv := NewServer(addr, NewHandler(opts))

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
		}
	}()

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, shutdownTimeout)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
