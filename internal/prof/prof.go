// Package prof runs the pyroscope continuous profiling agent.
package prof

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/formhub-edge/internal/log"
	"github.com/keithlinneman/formhub-edge/internal/version"
	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	Tags          map[string]string

	// Zero leaves the runtime defaults (off) in place.
	ProfileMutexFraction int
	BlockProfileRate     int

	// OnActive reports whether the agent is running, e.g. for a gauge.
	OnActive func(active bool)
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Tags returns the labels attached to every profile of this build.
func Tags(component string, vi version.Info) map[string]string {
	return map[string]string{
		"app":       vi.AppName,
		"component": component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "go-agent",
	}
}

// agentLogger routes the agent's printf logging into ours. Its info output
// is per upload, so it is demoted to debug.
type agentLogger struct {
	ctx context.Context
	L   log.Logger
}

func (a agentLogger) Debugf(format string, args ...any) {
	a.L.Debug(a.ctx, fmt.Sprintf(format, args...), "source", "pyroscope")
}

func (a agentLogger) Infof(format string, args ...any) {
	a.L.Debug(a.ctx, fmt.Sprintf(format, args...), "source", "pyroscope")
}

func (a agentLogger) Errorf(format string, args ...any) {
	a.L.Warn(a.ctx, fmt.Sprintf(format, args...), "source", "pyroscope")
}

func config(ctx context.Context, L log.Logger, opts Options) (pyroscope.Config, error) {
	if opts.ServerAddress == "" {
		return pyroscope.Config{}, xerrors.New("pyroscope: server address is required")
	}
	if opts.AppName == "" {
		return pyroscope.Config{}, xerrors.New("pyroscope: app name is required")
	}
	return pyroscope.Config{
		ApplicationName:   opts.AppName,
		ServerAddress:     opts.ServerAddress,
		Tags:              opts.Tags,
		BasicAuthPassword: opts.AuthToken,
		TenantID:          opts.TenantID,
		ProfileTypes:      profileTypes,
		Logger:            agentLogger{ctx: context.WithoutCancel(ctx), L: L},
	}, nil
}

// Start runs the agent when opts.Enabled. The returned stop is never nil
// and may be called more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	setActive := func(b bool) {
		if opts.OnActive != nil {
			opts.OnActive(b)
		}
	}
	setActive(false)

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	}

	cfg, err := config(ctx, L, opts)
	if err != nil {
		return func() {}, err
	}
	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		return func() {}, xerrors.Wrapf(err, "pyroscope start %s", opts.ServerAddress)
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)
	setActive(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = profiler.Stop()
			setActive(false)
			L.Info(context.Background(), "pyroscope stopped")
		})
	}, nil
}
