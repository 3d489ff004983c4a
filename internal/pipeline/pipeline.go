package pipeline

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/formhub-edge/internal/auth"
	"github.com/keithlinneman/formhub-edge/internal/httpmw"
	"github.com/keithlinneman/formhub-edge/internal/locale"
	"github.com/keithlinneman/formhub-edge/internal/log"
	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

// ID names a hook in the registration list.
type ID string

const (
	Exceptions       ID = "exceptions"
	DateSanitizer    ID = "date-sanitizer"
	Auth             ID = "auth"
	Locale           ID = "locale"
	MethodNotAllowed ID = "method-not-allowed"
	UserHeader       ID = "user-header"
)

// DefaultOrder is the registration list used when none is configured.
var DefaultOrder = []ID{Exceptions, DateSanitizer, Auth, Locale, MethodNotAllowed, UserHeader}

var known = map[ID]bool{
	Exceptions: true, DateSanitizer: true, Auth: true,
	Locale: true, MethodNotAllowed: true, UserHeader: true,
}

var (
	ErrUnknownHook   = errors.New("unknown hook")
	ErrDuplicateHook = errors.New("duplicate hook")
	ErrHookOrder     = errors.New("hook order")
	ErrMissingDep    = errors.New("missing hook dependency")
)

// before lists pairs (a, b) where a must come before b when both are listed.
var before = [][2]ID{
	{DateSanitizer, Auth},
	{Auth, UserHeader},
	{Exceptions, MethodNotAllowed},
}

// ParseList splits a comma separated list such as "exceptions,auth".
// Whitespace and empty items are ignored; ids are not validated here.
func ParseList(s string) []ID {
	var out []ID
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, ID(strings.ToLower(p)))
		}
	}
	return out
}

// String joins ids back into the configuration form.
func String(ids []ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

// Validate checks ids against the known hooks and ordering rules.
func Validate(ids []ID) error {
	seen := make(map[ID]bool, len(ids))
	for _, id := range ids {
		if !known[id] {
			return xerrors.Wrapf(ErrUnknownHook, "hook %q", id)
		}
		if seen[id] {
			return xerrors.Wrapf(ErrDuplicateHook, "hook %q", id)
		}
		seen[id] = true
	}

	for _, rule := range before {
		a, b := slices.Index(ids, rule[0]), slices.Index(ids, rule[1])
		if a >= 0 && b >= 0 && a > b {
			return xerrors.Wrapf(ErrHookOrder, "%q must come before %q", rule[0], rule[1])
		}
	}

	// a 405 render failure panics and must land in recovery
	if seen[MethodNotAllowed] && !seen[Exceptions] {
		return xerrors.Wrapf(ErrMissingDep, "%q requires %q", MethodNotAllowed, Exceptions)
	}
	return nil
}

// Metrics receives hook outcomes. *metrics.ServerMetrics implements it.
type Metrics interface {
	IncHttpPanic()
	IncExceptionReported()
	IncExceptionReportFailure(*httpmw.ReportError)
	IncDateHeaderDropped()
	IncAuthResult(result string)
	IncLocaleRewrite()
	IncMethodNotAllowedRendered()
	IncUserAnnotation()
}

// Options holds the collaborators hooks are built from.
type Options struct {
	Logger log.Logger

	// Reporter receives unhandled exceptions. Nil writes reports to stderr.
	Reporter *httpmw.ExceptionReporter

	// Authenticator and Realm are required by the auth hook.
	Authenticator auth.Authenticator
	Realm         string

	// Resolver is required by the locale hook.
	Resolver *locale.Resolver

	// Templates must define the 405 page for the method-not-allowed hook.
	Templates httpmw.TemplateExecutor

	Metrics Metrics
}

// Build validates ids and returns the hooks in wrapping order, ready for
// httpmw.Chain.
func Build(ids []ID, opts Options) ([]func(http.Handler) http.Handler, error) {
	if err := Validate(ids); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	m := opts.Metrics
	if m == nil {
		m = nopMetrics{}
	}

	out := make([]func(http.Handler) http.Handler, 0, len(ids))
	for _, id := range ids {
		var mw func(http.Handler) http.Handler
		switch id {
		case Exceptions:
			rep := opts.Reporter
			if rep == nil {
				rep = httpmw.NewExceptionReporter(nil)
			}
			if rep.OnReport == nil {
				rep.OnReport = m.IncExceptionReported
			}
			if rep.OnFailure == nil {
				rep.OnFailure = m.IncExceptionReportFailure
			}
			mw = httpmw.RecoverAndReport(opts.Logger, m.IncHttpPanic, rep)

		case DateSanitizer:
			mw = httpmw.SanitizeDateHeader(m.IncDateHeaderDropped)

		case Auth:
			if opts.Authenticator == nil {
				return nil, xerrors.Newf("hook %q: no authenticator configured", id)
			}
			mw = auth.BasicAuth(opts.Authenticator, auth.BasicAuthOptions{
				Realm:    opts.Realm,
				OnResult: m.IncAuthResult,
			})

		case Locale:
			if opts.Resolver == nil {
				return nil, xerrors.Newf("hook %q: no locale resolver configured", id)
			}
			// normalize before the resolver reads the header
			normalize := httpmw.NormalizeLocale(m.IncLocaleRewrite)
			resolve := opts.Resolver.Middleware
			mw = func(next http.Handler) http.Handler { return normalize(resolve(next)) }

		case MethodNotAllowed:
			if opts.Templates == nil {
				return nil, xerrors.Newf("hook %q: no templates configured", id)
			}
			mw = httpmw.MethodNotAllowed(opts.Templates, m.IncMethodNotAllowedRendered)

		case UserHeader:
			mw = httpmw.AnnotateUser(m.IncUserAnnotation)
		}
		out = append(out, traced(id, mw))
	}
	return out, nil
}

// traced records a span event as the request enters each hook.
func traced(id ID, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.AddEvent("hook", trace.WithAttributes(attribute.String("hook.id", string(id))))
			}
			h.ServeHTTP(w, r)
		})
	}
}

type nopMetrics struct{}

func (nopMetrics) IncHttpPanic()                                 {}
func (nopMetrics) IncExceptionReported()                         {}
func (nopMetrics) IncExceptionReportFailure(*httpmw.ReportError) {}
func (nopMetrics) IncDateHeaderDropped()                         {}
func (nopMetrics) IncAuthResult(string)                          {}
func (nopMetrics) IncLocaleRewrite()                             {}
func (nopMetrics) IncMethodNotAllowedRendered()                  {}
func (nopMetrics) IncUserAnnotation()                            {}
