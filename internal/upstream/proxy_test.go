package upstream

import (
	"context"
	"errors"
	"html/template"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/keithlinneman/formhub-edge/internal/auth"
	"github.com/keithlinneman/formhub-edge/internal/httpmw"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return u
}

// echoBackend records the last request it saw.
func echoBackend(t *testing.T) (*httptest.Server, *atomic.Pointer[http.Request]) {
	t.Helper()
	var last atomic.Pointer[http.Request]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last.Store(r.Clone(context.Background()))
		w.Header().Set("X-Backend", "yes")
		_, _ = io.WriteString(w, "backend:"+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv, &last
}

type failingTransport struct{ err error }

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) { return nil, f.err }

func TestNew_RejectsBadTarget(t *testing.T) {
	for _, raw := range []string{"", "/relative", "ftp://example.com"} {
		var u *url.URL
		if raw != "" {
			u = mustURL(t, raw)
		}
		if _, err := New(Options{Target: u}); err == nil {
			t.Errorf("New(%q) error = nil", raw)
		}
	}
}

func TestProxy_ForwardsRequest(t *testing.T) {
	backend, last := echoBackend(t)
	h, err := New(Options{Target: mustURL(t, backend.URL)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/forms", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "backend:/api/v1/forms" {
		t.Fatalf("body = %q", got)
	}
	if rec.Header().Get("X-Backend") != "yes" {
		t.Fatal("backend header not copied")
	}
	if got := last.Load().Header.Get("X-Forwarded-Proto"); got != "http" {
		t.Fatalf("X-Forwarded-Proto = %q, want http", got)
	}
}

func TestProxy_StripsInboundRemoteUser(t *testing.T) {
	backend, last := echoBackend(t)
	h, _ := New(Options{Target: mustURL(t, backend.URL)})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RemoteUserHeader, "mallory")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := last.Load().Header.Get(RemoteUserHeader); got != "" {
		t.Fatalf("%s = %q, want stripped", RemoteUserHeader, got)
	}
}

func TestProxy_SetsRemoteUserFromPrincipal(t *testing.T) {
	backend, last := echoBackend(t)
	h, _ := New(Options{Target: mustURL(t, backend.URL)})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RemoteUserHeader, "mallory")
	ctx := auth.WithPrincipal(req.Context(), &auth.Principal{Username: "alice", Authenticated: true})
	ctx = httpmw.WithRequestID(ctx, "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	got := last.Load()
	if v := got.Header.Get(RemoteUserHeader); v != "alice" {
		t.Fatalf("%s = %q, want alice", RemoteUserHeader, v)
	}
	if v := got.Header.Get("X-Request-Id"); v != "req-1" {
		t.Fatalf("X-Request-Id = %q, want req-1", v)
	}
}

func TestProxy_PreserveHost(t *testing.T) {
	backend, last := echoBackend(t)
	h, _ := New(Options{Target: mustURL(t, backend.URL), PreserveHost: true})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "forms.example.org"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := last.Load().Host; got != "forms.example.org" {
		t.Fatalf("Host = %q, want forms.example.org", got)
	}
}

func TestProxy_ErrorRendersTemplate(t *testing.T) {
	tmpl := template.Must(template.New(ErrorTemplate).Parse(`down {{.Status}} {{.RequestID}}`))
	var calls int
	h, _ := New(Options{
		Target:    mustURL(t, "http://backend.invalid"),
		Templates: tmpl,
		Transport: failingTransport{err: errors.New("connection refused")},
		OnError:   func() { calls++ },
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(httpmw.WithRequestID(req.Context(), "abc"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if got := rec.Body.String(); got != "down 502 abc" {
		t.Fatalf("body = %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if calls != 1 {
		t.Fatalf("OnError calls = %d, want 1", calls)
	}
}

func TestProxy_ErrorWithoutTemplate(t *testing.T) {
	h, _ := New(Options{
		Target:    mustURL(t, "http://backend.invalid"),
		Transport: failingTransport{err: errors.New("boom")},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Bad Gateway") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestProxy_ClientCancelNotCounted(t *testing.T) {
	var calls int
	h, _ := New(Options{
		Target:    mustURL(t, "http://backend.invalid"),
		Transport: failingTransport{err: context.Canceled},
		OnError:   func() { calls++ },
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if calls != 0 {
		t.Fatalf("OnError calls = %d, want 0", calls)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", rec.Body.String())
	}
}
