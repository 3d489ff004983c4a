package httpserver

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/formhub-edge/internal/health"
	"github.com/keithlinneman/formhub-edge/internal/httpmw"
	"github.com/keithlinneman/formhub-edge/internal/log"
)

func serve(t *testing.T, opts Options, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	rec := httptest.NewRecorder()
	NewHandler(opts).ServeHTTP(rec, req)
	return rec
}

func get(path string) *http.Request { return httptest.NewRequest(http.MethodGet, path, nil) }

func text(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, body) }
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNewHandler_SecurityHeaders(t *testing.T) {
	rec := serve(t, Options{}, get("/formList"))

	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy", "X-Permitted-Cross-Domain-Policies"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing %s on %d", h, rec.Code)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS sent over plain http: %q", got)
	}

	req := get("/formList")
	req.TLS = &tls.ConnectionState{}
	if serve(t, Options{}, req).Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing over https")
	}
}

func TestNewHandler_SecurityHeaders_UpstreamValuesKept(t *testing.T) {
	rec := serve(t, Options{Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
	})}, get("/enketo/x/abc"))

	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q, want upstream DENY", got)
	}
}

func TestNewHandler_RequestIDOnEveryResponse(t *testing.T) {
	rec := serve(t, Options{}, get("/missing"))
	if rec.Code != http.StatusNotFound || rec.Header().Get(httpmw.RequestIDHeader) == "" {
		t.Fatalf("404 without request id: %d %v", rec.Code, rec.Header())
	}

	req := get("/missing")
	req.Header.Set(httpmw.RequestIDHeader, "lb-abc-123")
	if got := serve(t, Options{}, req).Header().Get(httpmw.RequestIDHeader); got != "lb-abc-123" {
		t.Fatalf("inbound id not echoed: %q", got)
	}
}

func TestNewHandler_Routing(t *testing.T) {
	opts := Options{
		APIRoutes: func(r chi.Router) { r.Get("/-/whoami", text("local")) },
		Upstream:  text("upstream"),
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(false, "draining"),
	}
	tests := []struct {
		method, path string
		wantCode     int
		wantBody     string
	}{
		{http.MethodGet, "/-/whoami", http.StatusOK, "local"},
		{http.MethodDelete, "/-/whoami", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/api/v1/forms", http.StatusOK, "upstream"},
		{http.MethodPatch, "/api/v1/data/1", http.StatusOK, "upstream"},
		{http.MethodGet, "/-/healthy", http.StatusOK, "ok\n"},
		{http.MethodGet, "/-/ready", http.StatusServiceUnavailable, "draining\n"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(t, opts, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestNewHandler_LivenessDefault(t *testing.T) {
	rec := serve(t, Options{}, get("/-/healthy"))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("got %d %q, want 200 ok", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_NoUpstreamIs404(t *testing.T) {
	if rec := serve(t, Options{}, get("/api/v1/forms")); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestNewHandler_HooksWrapRouterInOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if httpmw.RequestIDFromContext(r.Context()) == "" {
					t.Errorf("%s ran without a request id", name)
				}
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	opts := Options{
		Hooks: []func(http.Handler) http.Handler{mark("exceptions"), nil, mark("auth")},
		APIRoutes: func(r chi.Router) {
			r.Get("/x", func(http.ResponseWriter, *http.Request) { order = append(order, "route") })
		},
	}

	serve(t, opts, get("/x"))

	if got := strings.Join(order, ","); got != "exceptions,auth,route" {
		t.Fatalf("order = %q", got)
	}
}

func TestNewHandler_MaxBodyBytes(t *testing.T) {
	opts := Options{MaxBodyBytes: 8, Upstream: text("stored")}

	rec := serve(t, opts, httptest.NewRequest(http.MethodPost, "/submission", strings.NewReader("way more than eight bytes")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	rec = serve(t, opts, httptest.NewRequest(http.MethodPost, "/submission", strings.NewReader("<d/>")))
	if rec.Code != http.StatusOK {
		t.Fatalf("small body status = %d", rec.Code)
	}
}

func TestNewHandler_OptionalMiddleware(t *testing.T) {
	var limited, measured bool
	flag := func(b *bool) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				*b = true
				next.ServeHTTP(w, r)
			})
		}
	}

	serve(t, Options{RateLimitMW: flag(&limited), MetricsMW: flag(&measured)}, get("/"))
	if !limited || !measured {
		t.Fatalf("rate limit ran=%v metrics ran=%v", limited, measured)
	}
	if rec := serve(t, Options{}, get("/")); rec.Code != http.StatusNotFound {
		t.Fatalf("nil middleware should be skipped, got %d", rec.Code)
	}
}

func TestNewHandler_LastResortRecover(t *testing.T) {
	boom := func(r chi.Router) { r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("x") }) }
	panics := 0
	rec := serve(t, Options{UseRecoverMW: true, OnPanic: func() { panics++ }, APIRoutes: boom}, get("/boom"))

	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status = %d, panics = %d", rec.Code, panics)
	}
	if rec.Header().Get("X-Content-Type-Options") == "" {
		t.Fatal("security headers missing on recovered 500")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("panic should propagate without recovery middleware")
		}
	}()
	serve(t, Options{APIRoutes: boom}, get("/boom"))
}

func TestNewHandler_ClientIPAvailableToRoutes(t *testing.T) {
	var ip string
	opts := Options{
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: 1},
		Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip = httpmw.ClientIPFromContext(r.Context())
		}),
	}
	req := get("/submission")
	req.RemoteAddr = "10.1.2.3:4000"
	req.Header.Set("X-Forwarded-For", "198.51.100.20")
	serve(t, opts, req)

	if ip != "198.51.100.20" {
		t.Fatalf("client ip = %q", ip)
	}
}

func TestNewHandler_CompressesXML(t *testing.T) {
	body := strings.Repeat("<xform id=\"household_survey\"/>", 100)
	opts := Options{Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		_, _ = io.WriteString(w, body)
	})}

	req := get("/formList")
	req.Header.Set("Accept-Encoding", "gzip")
	rec := serve(t, opts, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if got, _ := io.ReadAll(zr); string(got) != body {
		t.Fatal("decompressed body differs")
	}

	if rec := serve(t, opts, get("/formList")); rec.Header().Get("Content-Encoding") != "" {
		t.Fatal("compressed without Accept-Encoding")
	}
}

func TestTraced(t *testing.T) {
	for p, want := range map[string]bool{
		"/submission":           true,
		"/api/v1/forms":         true,
		"/-/ready":              false,
		"/favicon.ico":          false,
		"/static/js/app.JS":     false,
		"/media/original.woff2": false,
	} {
		if got := traced(get(p)); got != want {
			t.Errorf("traced(%s) = %v, want %v", p, got, want)
		}
	}
}

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler())
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.ReadTimeout != DefaultReadTimeout ||
		srv.WriteTimeout != DefaultWriteTimeout || srv.IdleTimeout != DefaultIdleTimeout ||
		srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("server = %+v", srv)
	}
}

func TestStart_ServeAndStop(t *testing.T) {
	port := freePort(t)
	stop, err := Start(context.Background(), Options{
		Port:      port,
		Logger:    log.Nop(),
		APIRoutes: func(r chi.Router) { r.Get("/-/whoami", text("live")) },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/-/whoami", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "live" || resp.Header.Get(httpmw.RequestIDHeader) == "" {
		t.Fatalf("live response = %q %v", body, resp.Header)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still answering after stop")
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if _, err := Start(context.Background(), Options{Port: ln.Addr().(*net.TCPAddr).Port}); err == nil {
		t.Fatal("Start on a used port should fail")
	}
}

func TestNewHandler_UpstreamRouteLabel(t *testing.T) {
	var route string
	outer := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
			next.ServeHTTP(w, r)
			route = rctx.RoutePattern()
		})
	}

	serve(t, Options{MetricsMW: outer, Upstream: text("x")}, get("/api/v1/forms/abc/data"))
	if route != UpstreamRoute {
		t.Fatalf("route = %q, want %q", route, UpstreamRoute)
	}
}
