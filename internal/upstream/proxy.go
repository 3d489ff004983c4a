// Package upstream forwards requests that passed the edge hooks to the form
// backend.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/keithlinneman/formhub-edge/internal/auth"
	"github.com/keithlinneman/formhub-edge/internal/httpmw"
	"github.com/keithlinneman/formhub-edge/internal/locale"
	"github.com/keithlinneman/formhub-edge/internal/log"
	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

const (
	// RemoteUserHeader carries the authenticated username to the backend.
	// Inbound values are always discarded.
	RemoteUserHeader = "X-Remote-User"

	// ErrorTemplate is rendered when the backend cannot be reached.
	ErrorTemplate = "502.html"
)

// shared transport tuning; each proxy gets its own clone
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// ErrorPage is the data passed to the 502 template.
type ErrorPage struct {
	Status    int
	RequestID string
	Language  string
}

type Options struct {
	Target *url.URL
	Logger log.Logger

	// PreserveHost forwards the inbound Host header instead of the target's.
	PreserveHost bool

	// Templates, when set, must define ErrorTemplate.
	Templates httpmw.TemplateExecutor

	// Transport defaults to a clone of the package transport.
	Transport http.RoundTripper

	// OnError is called once per failed upstream round trip.
	OnError func()
}

// New returns a handler proxying every request to opts.Target.
func New(opts Options) (http.Handler, error) {
	if opts.Target == nil || opts.Target.Scheme == "" || opts.Target.Host == "" {
		return nil, xerrors.New("upstream: target must be an absolute URL")
	}
	if opts.Target.Scheme != "http" && opts.Target.Scheme != "https" {
		return nil, xerrors.Newf("upstream: unsupported scheme %q", opts.Target.Scheme)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Transport == nil {
		opts.Transport = defaultTransport.Clone()
	}

	target := opts.Target
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if opts.PreserveHost {
				pr.Out.Host = pr.In.Host
			}

			ctx := pr.In.Context()
			pr.Out.Header.Del(RemoteUserHeader)
			if p, ok := auth.PrincipalFromContext(ctx); ok && p.IsAuthenticated() {
				pr.Out.Header.Set(RemoteUserHeader, p.Username)
			}
			if id := httpmw.RequestIDFromContext(ctx); id != "" {
				pr.Out.Header.Set(httpmw.RequestIDHeader, id)
			}
		},
		Transport:    opts.Transport,
		ErrorHandler: errorHandler(opts),
	}, nil
}

func errorHandler(opts Options) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		ctx := r.Context()
		L := log.FromContext(ctx)
		if L == log.Nop() {
			L = opts.Logger
		}

		// client went away; nobody is left to read a page
		if errors.Is(err, context.Canceled) {
			L.Debug(ctx, "upstream request canceled by client", "url.path", r.URL.Path)
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		if opts.OnError != nil {
			opts.OnError()
		}
		L.Error(ctx, err, "upstream request failed",
			"upstream.host", opts.Target.Host,
			"http.request.method", r.Method,
			"url.path", r.URL.Path,
		)
		writeBadGateway(w, r, opts.Templates, L)
	}
}

func writeBadGateway(w http.ResponseWriter, r *http.Request, tmpl httpmw.TemplateExecutor, L log.Logger) {
	h := w.Header()
	if tmpl == nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	page := ErrorPage{
		Status:    http.StatusBadGateway,
		RequestID: httpmw.RequestIDFromContext(r.Context()),
	}
	if tag, ok := locale.FromContext(r.Context()); ok {
		page.Language = tag.String()
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, ErrorTemplate, page); err != nil {
		L.Error(r.Context(), err, "render upstream error page", "template", ErrorTemplate)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadGateway)
	if r.Method != http.MethodHead {
		_, _ = w.Write(buf.Bytes())
	}
}
