// Package cfg holds the server configuration. Every field is a flag on a
// flag.FlagSet and may also be supplied through an environment variable.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/formhub-edge/internal/locale"
	"github.com/keithlinneman/formhub-edge/internal/log"
	"github.com/keithlinneman/formhub-edge/internal/pipeline"
)

// EnvPrefix is prepended to the upper-cased flag name to form its env var.
const EnvPrefix = "FHEDGE_"

type App struct {
	// observability
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	EnablePprof       bool
	EnablePyroscope   bool
	PyroServer        string
	PyroTenantID      string
	EnableTracing     bool
	OTLPEndpoint      string
	TraceSample       float64

	EnvFile string

	// listeners
	HTTPPort        int
	AdminPort       int
	ShutdownDrain   time.Duration
	ShutdownTimeout time.Duration

	// edge
	UpstreamURL          string
	UpstreamPreserveHost bool
	Languages            string
	DefaultLanguage      string
	Hooks                string
	DiagOutput           string
	DiagMaxSizeMB        int
	DiagMaxBackups       int
	MaxBodyBytes         int64
	RateLimitPerSecond   float64
	RateLimitBurst       int
	RateLimitIdle        time.Duration
	RateLimitMaxClients  int
	TrustedHops          int

	// credentials
	AuthRealm          string
	UsersFile          string
	UsersSSMParam      string
	UsersS3Bucket      string
	UsersS3Prefix      string
	UsersSigningKeyARN string
	EnableUsersUpdates bool
	UsersPollInterval  time.Duration
}

// Register binds every field of c to fs with its default.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "attach stack traces at or above this level: debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "log the wrapped error chain with each error")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof on the admin port")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push continuous profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server URL")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (X-Scope-OrgID)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export OTLP traces to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.EnvFile, "env-file", "", "dotenv file whose "+EnvPrefix+"* entries fill flags not set otherwise")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen port")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen port for health, metrics and pprof")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", time.Minute, "time between failing readiness and closing listeners")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for in-flight requests after the drain")

	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "form backend to proxy to (http[s]://host[:port]); empty serves only local routes")
	fs.BoolVar(&c.UpstreamPreserveHost, "upstream-preserve-host", true, "forward the inbound Host header to the backend")
	fs.StringVar(&c.Languages, "languages", "en,fr,es,ar,km,sw,pt", "comma separated BCP 47 languages offered to clients")
	fs.StringVar(&c.DefaultLanguage, "default-language", "en", "language used when nothing in Accept-Language matches")
	fs.StringVar(&c.Hooks, "hooks", pipeline.String(pipeline.DefaultOrder), "ordered request hooks, outermost first")
	fs.StringVar(&c.DiagOutput, "diag-output", "stderr", "unhandled exception reports: stderr|stdout|<file path>")
	fs.IntVar(&c.DiagMaxSizeMB, "diag-max-size-mb", 50, "rotate a -diag-output file at this size")
	fs.IntVar(&c.DiagMaxBackups, "diag-max-backups", 5, "rotated -diag-output files to keep (0 = all)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<20, "max request body in bytes (0 = unlimited)")
	fs.Float64Var(&c.RateLimitPerSecond, "rate-limit-rps", 20, "per-client request refill rate")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 60, "per-client request burst")
	fs.DurationVar(&c.RateLimitIdle, "rate-limit-idle", 5*time.Minute, "forget a client's bucket after this long without requests")
	fs.IntVar(&c.RateLimitMaxClients, "rate-limit-max-clients", 100_000, "tracked clients before new ones are refused (0 = no cap)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of this server whose X-Forwarded-For entries are trusted")

	fs.StringVar(&c.AuthRealm, "auth-realm", "formhub", "realm sent in WWW-Authenticate challenges")
	fs.StringVar(&c.UsersFile, "users-file", "", "local users file (user:bcrypt-hash per line); replaces the SSM/S3 source")
	fs.StringVar(&c.UsersSSMParam, "users-ssm-param", "/app/formhub-edge/users/current/sha256", "SSM parameter holding the sha256 of the active users object")
	fs.StringVar(&c.UsersS3Bucket, "users-s3-bucket", "", "S3 bucket holding users objects")
	fs.StringVar(&c.UsersS3Prefix, "users-s3-prefix", "apps/formhub-edge/users", "S3 key prefix of users objects")
	fs.StringVar(&c.UsersSigningKeyARN, "users-signing-key-arn", "", "KMS key ARN that signs users objects; empty skips verification")
	fs.BoolVar(&c.EnableUsersUpdates, "enable-users-updates", true, "poll the users source and swap in changes")
	fs.DurationVar(&c.UsersPollInterval, "users-poll-interval", time.Minute, "users source poll interval")
}

// EnvKey returns the environment variable consulted for flag name.
func EnvKey(prefix, name string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// FillFromEnv sets every flag that was not given on the command line from
// its environment variable (see EnvKey). Unparseable values keep the
// default and are reported through logf, as are env values shadowed by a
// flag.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	onCLI := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { onCLI[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		switch {
		case !ok:
		case onCLI[f.Name]:
			logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value, key, val)
		default:
			def := f.Value.String()
			if err := f.Value.Set(val); err != nil {
				_ = f.Value.Set(def)
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

// LoadEnvFile exports the KEY=value lines of path into the process
// environment. Variables already set keep their value. An empty path is a
// no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("-env-file: %w", err)
	}
	return nil
}

// LanguageCodes returns the configured languages with the default first and
// duplicates (case-insensitive) removed.
func (c App) LanguageCodes() []string {
	var out []string
	seen := map[string]bool{}
	for _, code := range append([]string{c.DefaultLanguage}, strings.Split(c.Languages, ",")...) {
		code = strings.TrimSpace(code)
		if code == "" || seen[strings.ToLower(code)] {
			continue
		}
		seen[strings.ToLower(code)] = true
		out = append(out, code)
	}
	return out
}

// UsesS3Users reports whether credentials come from SSM/S3 rather than a file.
func (c App) UsesS3Users() bool { return c.UsersFile == "" }

// HookList is the parsed -hooks value.
func (c App) HookList() []pipeline.ID { return pipeline.ParseList(c.Hooks) }

// AuthEnabled reports whether the auth hook is registered.
func (c App) AuthEnabled() bool { return slices.Contains(c.HookList(), pipeline.Auth) }

// problems collects validation failures keyed by flag name.
type problems []error

func (p *problems) add(flagName, format string, args ...any) {
	*p = append(*p, fmt.Errorf("-%s: "+format, append([]any{flagName}, args...)...))
}

// Validate reports every invalid field at once, joined with errors.Join.
func Validate(c App) error {
	var p problems
	c.validateObservability(&p)
	c.validateListeners(&p)
	c.validateEdge(&p)
	if c.AuthEnabled() {
		c.validateCredentials(&p)
	}
	return errors.Join(p...)
}

func (c App) validateObservability(p *problems) {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		p.add("log-level", "%v", err)
	}
	// empty keeps the logger default
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			p.add("stacktrace-level", "%v", err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		p.add("max-error-links", "must be 1..64, got %d", c.MaxErrorLinks)
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		p.add("trace-sample", "must be 0..1, got %g", c.TraceSample)
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			p.add("pyro-server", "must be an absolute URL when -enable-pyroscope is set, got %q", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			p.add("pyro-tenant", "required when -enable-pyroscope is set")
		}
	}
	if c.EnableTracing {
		// the gRPC exporter takes host:port without a scheme
		if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			p.add("otlp-endpoint", "must be host:port when -enable-tracing is set, got %q", c.OTLPEndpoint)
		}
	}
}

func (c App) validateListeners(p *problems) {
	for name, port := range map[string]int{"http-port": c.HTTPPort, "admin-port": c.AdminPort} {
		if port < 1 || port > 65535 {
			p.add(name, "must be 1..65535, got %d", port)
		}
	}
	if c.HTTPPort == c.AdminPort {
		p.add("admin-port", "must differ from -http-port (both %d)", c.AdminPort)
	}
	if c.ShutdownDrain < 0 {
		p.add("shutdown-drain", "must not be negative, got %s", c.ShutdownDrain)
	}
	if c.ShutdownTimeout <= 0 {
		p.add("shutdown-timeout", "must be positive, got %s", c.ShutdownTimeout)
	}
}

func (c App) validateEdge(p *problems) {
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			p.add("upstream-url", "must be an http(s) URL, got %q", c.UpstreamURL)
		}
	}
	if strings.TrimSpace(c.DefaultLanguage) == "" {
		p.add("default-language", "required")
	} else if _, err := locale.NewResolver(c.LanguageCodes()); err != nil {
		p.add("languages", "%v", err)
	}
	if err := pipeline.Validate(c.HookList()); err != nil {
		p.add("hooks", "%v", err)
	}
	if c.DiagMaxSizeMB < 1 {
		p.add("diag-max-size-mb", "must be >= 1, got %d", c.DiagMaxSizeMB)
	}
	if c.DiagMaxBackups < 0 {
		p.add("diag-max-backups", "must be >= 0, got %d", c.DiagMaxBackups)
	}
	if c.MaxBodyBytes < 0 {
		p.add("max-body-bytes", "must be >= 0, got %d", c.MaxBodyBytes)
	}
	if c.RateLimitPerSecond <= 0 {
		p.add("rate-limit-rps", "must be > 0, got %g", c.RateLimitPerSecond)
	}
	if c.RateLimitBurst < 1 {
		p.add("rate-limit-burst", "must be >= 1, got %d", c.RateLimitBurst)
	}
	if c.RateLimitIdle <= 0 {
		p.add("rate-limit-idle", "must be > 0, got %s", c.RateLimitIdle)
	}
	if c.RateLimitMaxClients < 0 {
		p.add("rate-limit-max-clients", "must be >= 0, got %d", c.RateLimitMaxClients)
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		p.add("trusted-hops", "must be 0..8, got %d", c.TrustedHops)
	}
}

func (c App) validateCredentials(p *problems) {
	if c.AuthRealm == "" || strings.ContainsAny(c.AuthRealm, "\"\r\n") {
		p.add("auth-realm", "must be non-empty without quotes or newlines, got %q", c.AuthRealm)
	}
	if c.UsesS3Users() {
		if c.UsersSSMParam == "" {
			p.add("users-ssm-param", "required without -users-file")
		}
		if c.UsersS3Bucket == "" {
			p.add("users-s3-bucket", "required without -users-file")
		}
	}
	if c.EnableUsersUpdates && c.UsersPollInterval < 5*time.Second {
		p.add("users-poll-interval", "must be >= 5s, got %s", c.UsersPollInterval)
	}
}
