// Package opshttp serves the admin listener: probes, metrics, build info and
// pprof, reachable from private networks only.
package opshttp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/keithlinneman/formhub-edge/internal/health"
	"github.com/keithlinneman/formhub-edge/internal/httpmw"
	"github.com/keithlinneman/formhub-edge/internal/log"
	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 10 * time.Second
	// a CPU profile streams for 30s by default
	writeTimeout    = 35 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

// NewHandler builds the admin routes behind the private-network guard.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /-/healthy", health.HealthzHandler(opts.Health))
	mux.Handle("GET /-/ready", health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.BuildInfo != nil {
		mux.Handle("GET /-/version", buildInfoHandler(opts.BuildInfo))
	}
	if opts.EnablePprof {
		registerPprof(mux)
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.Recover {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}
	return httpmw.Chain(privateOnly(opts, mux), recoverMW)
}

func buildInfoHandler(info any) http.HandlerFunc {
	body, err := json.Marshal(info)
	return func(w http.ResponseWriter, r *http.Request) {
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}
}

// Start serves NewHandler(opts) on opts.Port until the returned stop is
// called. stop is safe to call more than once.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	addr := ":" + strconv.Itoa(opts.Port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen admin %s", addr)
	}
	srv := &http.Server{
		Handler:           NewHandler(opts),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 16,
	}

	go func() {
		opts.Logger.Info(ctx, "admin http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "admin http server error")
		}
	}()

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			opts.Logger.Info(sctx, "admin http server shutting down")
			c, cancel := context.WithTimeout(sctx, shutdownTimeout)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
