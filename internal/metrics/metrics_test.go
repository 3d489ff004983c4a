package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/formhub-edge/internal/httpmw"
	"github.com/keithlinneman/formhub-edge/internal/version"
)

// family gathers m's registry and returns the named family, or nil.
func family(t *testing.T, m *ServerMetrics, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelsOf(mt *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range mt.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

// sample returns the counter or gauge value of the series matching labels.
func sample(t *testing.T, m *ServerMetrics, name string, labels map[string]string) float64 {
	t.Helper()
	mf := family(t, m, name)
	if mf == nil {
		t.Fatalf("metric %s not exported", name)
	}
next:
	for _, mt := range mf.GetMetric() {
		got := labelsOf(mt)
		for k, v := range labels {
			if got[k] != v {
				continue next
			}
		}
		if c := mt.GetCounter(); c != nil {
			return c.GetValue()
		}
		return mt.GetGauge().GetValue()
	}
	t.Fatalf("%s%v not found", name, labels)
	return 0
}

func scrape(t *testing.T, m *ServerMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNew_RuntimeCollectors(t *testing.T) {
	m := New()
	for _, name := range []string{"go_goroutines", "process_cpu_seconds_total", "http_inflight_requests", "users_loaded"} {
		if family(t, m, name) == nil {
			t.Errorf("%s not exported", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncHttpPanic()
	if got := sample(t, b, "http_panic_total", nil); got != 0 {
		t.Fatalf("second registry saw %v panics", got)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	incs := map[string]func(){
		"http_panic_total":                          m.IncHttpPanic,
		"http_requests_rate_limited_total":          m.IncRateLimitDenied,
		"http_requests_rate_limited_capacity_total": m.IncRateLimitCapacity,
		"upstream_errors_total":                     m.IncUpstreamError,
		"hook_locale_rewrites_total":                m.IncLocaleRewrite,
		"hook_date_headers_dropped_total":           m.IncDateHeaderDropped,
		"hook_method_not_allowed_rendered_total":    m.IncMethodNotAllowedRendered,
		"hook_user_annotations_total":               m.IncUserAnnotation,
		"exceptions_reported_total":                 m.IncExceptionReported,
		"users_watcher_polls_total":                 m.IncUsersPolls,
		"users_watcher_swaps_total":                 m.IncUsersSwaps,
	}
	for name, inc := range incs {
		inc()
		inc()
		if got := sample(t, m, name, nil); got != 2 {
			t.Errorf("%s = %v, want 2", name, got)
		}
	}
}

func TestLabelledCounters(t *testing.T) {
	m := New()
	m.IncAuthResult("ok")
	m.IncAuthResult("ok")
	m.IncAuthResult("invalid")
	m.IncUsersError("fetch")
	m.IncAdminRejected("public")
	m.IncExceptionReportFailure(&httpmw.ReportError{Op: "write", Err: errors.New("broken pipe")})

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"auth_results_total", map[string]string{"result": "ok"}, 2},
		{"auth_results_total", map[string]string{"result": "invalid"}, 1},
		{"users_watcher_errors_total", map[string]string{"stage": "fetch"}, 1},
		{"admin_requests_rejected_total", map[string]string{"reason": "public"}, 1},
		{"exception_report_failures_total", map[string]string{"op": "write"}, 1},
	}
	for _, c := range checks {
		if got := sample(t, m, c.name, c.labels); got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestUsersGauges(t *testing.T) {
	m := New()
	loaded := time.Unix(1717236000, 0)
	m.SetUsersLoaded(12)
	m.SetUsersLoadedTimestamp(loaded)
	m.SetUsersSource("file")
	m.SetUsersSource("s3")

	if got := sample(t, m, "users_loaded", nil); got != 12 {
		t.Errorf("users_loaded = %v", got)
	}
	if got := sample(t, m, "users_loaded_timestamp_seconds", nil); got != float64(loaded.Unix()) {
		t.Errorf("users_loaded_timestamp_seconds = %v", got)
	}
	mf := family(t, m, "users_source_info")
	if len(mf.GetMetric()) != 1 || labelsOf(mf.GetMetric()[0])["source"] != "s3" {
		t.Errorf("users_source_info = %v, want only s3", mf.GetMetric())
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if got := sample(t, m, "profiling_active", nil); got != 1 {
		t.Fatalf("active = %v", got)
	}
	m.SetProfilingActive(false)
	if got := sample(t, m, "profiling_active", nil); got != 0 {
		t.Fatalf("inactive = %v", got)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	dirty := true
	m := New()
	m.SetBuildInfoFromVersion("formhub-edge", "server", version.Info{
		Version: "1.4.0", Commit: "abc123", BuildId: "b-7", GoVersion: "go1.22.4", VCSDirty: &dirty,
	})
	got := sample(t, m, "build_info", map[string]string{
		"app": "formhub-edge", "component": "server", "version": "1.4.0",
		"commit": "abc123", "build_id": "b-7", "vcs_dirty": "true", "go_version": "go1.22.4",
	})
	if got != 1 {
		t.Fatalf("build_info = %v", got)
	}

	m2 := New()
	m2.SetBuildInfoFromVersion("formhub-edge", "server", version.Info{})
	if sample(t, m2, "build_info", map[string]string{"vcs_dirty": "unknown"}) != 1 {
		t.Fatal("nil VCSDirty should be labelled unknown")
	}
}

func TestHandler_ServesOpenMetrics(t *testing.T) {
	m := New()
	m.IncLocaleRewrite()

	body := scrape(t, m)
	if !strings.Contains(body, "hook_locale_rewrites_total 1") {
		t.Fatalf("scrape missing hook counter:\n%s", body)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text; version=1.0.0")
	m.Handler().ServeHTTP(rec, req)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/openmetrics-text") {
		t.Fatalf("Content-Type = %q", ct)
	}
}
