package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/formhub-edge/internal/auth"
	"github.com/keithlinneman/formhub-edge/internal/cfg"
	"github.com/keithlinneman/formhub-edge/internal/health"
	"github.com/keithlinneman/formhub-edge/internal/httpmw"
	"github.com/keithlinneman/formhub-edge/internal/httpserver"
	"github.com/keithlinneman/formhub-edge/internal/locale"
	"github.com/keithlinneman/formhub-edge/internal/log"
	"github.com/keithlinneman/formhub-edge/internal/metrics"
	"github.com/keithlinneman/formhub-edge/internal/opshttp"
	"github.com/keithlinneman/formhub-edge/internal/otelx"
	"github.com/keithlinneman/formhub-edge/internal/pipeline"
	"github.com/keithlinneman/formhub-edge/internal/prof"
	"github.com/keithlinneman/formhub-edge/internal/ratelimit"
	"github.com/keithlinneman/formhub-edge/internal/upstream"
	v "github.com/keithlinneman/formhub-edge/internal/version"
	"github.com/keithlinneman/formhub-edge/internal/webassets"
	"github.com/keithlinneman/formhub-edge/internal/whoamihttp"
)

const component = "server"

func main() {
	var conf cfg.App
	cfg.Register(flag.CommandLine, &conf)
	showVersion := flag.Bool("V", false, "print version and build information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(v.Get())
		return
	}

	if err := cfg.LoadEnvFile(conf.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}

	lg, err := newLogger(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog on stderr, flushes buffered backends
	defer func() { _ = lg.Sync() }()

	if err := run(conf, lg.With("component", component)); err != nil {
		lg.Error(context.Background(), err, "server exited")
		_ = lg.Sync()
		os.Exit(1)
	}
}

func newLogger(conf cfg.App) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	var stackLvl slog.Level
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			return nil, err
		}
	}
	return log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

func run(conf cfg.App, L log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx, L)

	vi := v.Get()
	hooks := conf.HookList()
	L.Info(ctx, "starting",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"hooks", pipeline.String(hooks),
		"languages", conf.LanguageCodes(),
		"diag_output", conf.DiagOutput,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"users_file", conf.UsersFile,
		"users_s3_bucket", conf.UsersS3Bucket,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.Tags(component, vi),
		OnActive:      m.SetProfilingActive,
	})
	if err != nil {
		// profiling is optional, keep serving
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// the collector runs on localhost, hence Insecure
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
		Attributes: map[string]string{
			"edge.hooks":   pipeline.String(hooks),
			"upstream.url": conf.UpstreamURL,
		},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without trace export")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	diagW, closeDiag, err := httpmw.OpenDiagOutput(conf.DiagOutput, httpmw.DiagOutputOptions{
		MaxSizeMB:  conf.DiagMaxSizeMB,
		MaxBackups: conf.DiagMaxBackups,
		Compress:   true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeDiag() }()

	store := auth.NewStore()
	if conf.AuthEnabled() {
		if err := startUsers(ctx, L, conf, store, m); err != nil {
			return err
		}
	}

	tmpl, err := webassets.Templates()
	if err != nil {
		return fmt.Errorf("parse embedded templates: %w", err)
	}
	resolver, err := locale.NewResolver(conf.LanguageCodes())
	if err != nil {
		return fmt.Errorf("locale resolver: %w", err)
	}

	hookMWs, err := pipeline.Build(hooks, pipeline.Options{
		Logger:        L,
		Reporter:      httpmw.NewExceptionReporter(diagW),
		Authenticator: store,
		Realm:         conf.AuthRealm,
		Resolver:      resolver,
		Templates:     tmpl,
		Metrics:       m,
	})
	if err != nil {
		return fmt.Errorf("build hooks %q: %w", conf.Hooks, err)
	}

	proxy, err := newUpstream(L, conf, tmpl, m)
	if err != nil {
		return err
	}

	// readiness fails while draining and, with auth on, until users are loaded
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	if conf.AuthEnabled() {
		readiness = health.All(gate.Probe(), health.Named("users", health.CheckFunc(store.ReadyErr)))
	}

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitPerSecond, conf.RateLimitBurst),
		ratelimit.WithTTL(conf.RateLimitIdle),
		ratelimit.WithMaxVisitors(conf.RateLimitMaxClients),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// logged once per client until it is evicted
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "client.address", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limiter full, refusing new clients until some are evicted")
		}),
		// load balancer probes come from a handful of addresses every few seconds
		ratelimit.WithExempt(func(r *http.Request) bool {
			return r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready"
		}),
	)

	whoami := whoamihttp.NewAPI(L)
	stopEdge, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Hooks:        hookMWs,
		Upstream:     proxy,
		APIRoutes:    whoami.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MaxBodyBytes: conf.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("start edge listener: %w", err)
	}

	// security groups keep the admin port internal; the listener also refuses
	// public and proxied sources in case that ever changes
	stopOps, err := opshttp.Start(ctx, opshttp.Options{
		Logger:      L,
		Port:        conf.AdminPort,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Metrics:     m.Handler(),
		BuildInfo:   vi,
		EnablePprof: conf.EnablePprof,
		Recover:     true,
		OnPanic:     m.IncHttpPanic,
		OnRejected:  m.IncAdminRejected,
	})
	if err != nil {
		_ = stopEdge(context.Background())
		return fmt.Errorf("start admin listener: %w", err)
	}

	if err := notifySystemd(); err != nil {
		// systemd kills the unit after its start timeout if this never lands
		L.Warn(ctx, "systemd readiness notify failed", "error", err)
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	drain(L, conf.ShutdownDrain)

	sctx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()
	err = errors.Join(
		stopEdge(sctx),
		stopOps(sctx),
		shutdownOTEL(sctx),
	)
	L.Info(context.Background(), "shutdown complete")
	return err
}

// drain waits d with readiness failing so the load balancer stops routing
// here. A second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	if d <= 0 {
		return
	}
	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	L.Info(context.Background(), "draining", "duration", d.String())
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-again:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

// startUsers loads the first credentials set into store and, when enabled,
// starts the watcher. A failed first load is logged; readiness stays red
// until the watcher succeeds.
func startUsers(ctx context.Context, L log.Logger, conf cfg.App, store *auth.Store, m *metrics.ServerMetrics) error {
	loader, err := newUsersLoader(ctx, L, conf)
	if err != nil {
		return fmt.Errorf("users loader: %w", err)
	}

	if snap, err := auth.Load(ctx, loader); err != nil {
		L.Error(ctx, err, "initial users load failed, credentials are rejected until a load succeeds")
		m.IncUsersError("load")
	} else {
		store.Set(*snap)
		m.SetUsersLoaded(len(snap.Users))
		m.SetUsersSource(string(snap.Source))
		m.SetUsersLoadedTimestamp(snap.LoadedAt)
		L.Info(ctx, "users loaded", "source", snap.Source, "users", len(snap.Users), "sha256", snap.SHA256)
	}

	if conf.EnableUsersUpdates {
		go auth.NewWatcher(auth.WatcherOptions{
			Logger:       L,
			Loader:       loader,
			Store:        store,
			PollInterval: conf.UsersPollInterval,
			Metrics:      m,
		}).Run(ctx)
	}
	return nil
}

// newUsersLoader picks the local file when one is configured, otherwise the
// SSM-pinned S3 object with an optional KMS signature check.
func newUsersLoader(ctx context.Context, L log.Logger, conf cfg.App) (auth.Loader, error) {
	if !conf.UsesS3Users() {
		return &auth.FileLoader{Path: conf.UsersFile}, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var verifier auth.SignatureVerifier
	if conf.UsersSigningKeyARN != "" {
		verifier = auth.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.UsersSigningKeyARN)
	}

	return auth.NewS3Loader(auth.S3LoaderOptions{
		Logger:    L,
		SSMParam:  conf.UsersSSMParam,
		Bucket:    conf.UsersS3Bucket,
		Prefix:    conf.UsersS3Prefix,
		SSMClient: ssm.NewFromConfig(awsCfg),
		S3Client:  s3.NewFromConfig(awsCfg),
		Verifier:  verifier,
	})
}

// newUpstream returns nil when no backend is configured, leaving only the
// local routes.
func newUpstream(L log.Logger, conf cfg.App, tmpl httpmw.TemplateExecutor, m *metrics.ServerMetrics) (http.Handler, error) {
	if conf.UpstreamURL == "" {
		L.Warn(context.Background(), "no upstream configured, serving local routes only")
		return nil, nil
	}
	target, err := url.Parse(conf.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}
	return upstream.New(upstream.Options{
		Target:       target,
		Logger:       L,
		PreserveHost: conf.UpstreamPreserveHost,
		Templates:    tmpl,
		OnError:      m.IncUpstreamError,
	})
}

// notifySystemd sends READY=1 when running as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}
