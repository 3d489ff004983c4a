package httpmw

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

// countingWriter records how many Write calls it received.
type countingWriter struct {
	bytes.Buffer
	writes int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	return c.Buffer.Write(p)
}

type explodingError struct{}

func (*explodingError) Error() string { panic("Error() blew up") }

func fixedClock() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func TestExceptionReporter_WritesReport(t *testing.T) {
	w := &countingWriter{}
	reports := 0
	rep := &ExceptionReporter{W: w, OnReport: func() { reports++ }, now: fixedClock}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions?x=1", http.NoBody)
	req = req.WithContext(WithRequestID(req.Context(), "abc123"))
	rep.Report(req, xerrors.New("submission failed"))

	out := w.String()
	for _, want := range []string{
		"2026-01-02T03:04:05Z",
		"request_id=abc123",
		"POST /api/v1/submissions?x=1",
		"error: submission failed",
		"TestExceptionReporter_WritesReport",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if w.writes != 1 {
		t.Fatalf("writes = %d, want a single write", w.writes)
	}
	if reports != 1 {
		t.Fatalf("OnReport calls = %d", reports)
	}
}

func TestExceptionReporter_PanicStack(t *testing.T) {
	var buf bytes.Buffer
	rep := NewExceptionReporter(&buf)

	rep.Report(httptest.NewRequest(http.MethodGet, "/", http.NoBody), &PanicError{Value: "boom", Stack: []byte("goroutine 1 [running]:\nmain.main()")})

	out := buf.String()
	if !strings.Contains(out, "panic: boom") || !strings.Contains(out, "goroutine 1 [running]") {
		t.Fatalf("report = %q", out)
	}
}

func TestExceptionReporter_NoStack(t *testing.T) {
	var buf bytes.Buffer
	NewExceptionReporter(&buf).Report(nil, errors.New("plain"))

	if !strings.Contains(buf.String(), "(no stack captured)") {
		t.Fatalf("report = %q", buf.String())
	}
}

func TestExceptionReporter_WriteFailureClassified(t *testing.T) {
	var got *ReportError
	rep := &ExceptionReporter{W: failingWriter{}, OnFailure: func(e *ReportError) { got = e }}

	rep.Report(httptest.NewRequest(http.MethodGet, "/", http.NoBody), errors.New("x"))

	if got == nil || got.Op != "write" {
		t.Fatalf("failure = %+v, want Op=write", got)
	}
}

func TestExceptionReporter_FormatFailureClassified(t *testing.T) {
	var got *ReportError
	var buf bytes.Buffer
	rep := &ExceptionReporter{W: &buf, OnFailure: func(e *ReportError) { got = e }}

	rep.Report(httptest.NewRequest(http.MethodGet, "/", http.NoBody), &explodingError{})

	if got == nil || got.Op != "format" {
		t.Fatalf("failure = %+v, want Op=format", got)
	}
	if buf.Len() != 0 {
		t.Fatalf("partial report written: %q", buf.String())
	}
}

func TestExceptionReporter_NilSafe(t *testing.T) {
	var rep *ExceptionReporter
	rep.Report(nil, errors.New("ignored"))
}

func TestPanicError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(&PanicError{Value: inner}, inner) {
		t.Fatal("PanicError should unwrap error values")
	}
	if (&PanicError{Value: "str"}).Unwrap() != nil {
		t.Fatal("non-error value should unwrap to nil")
	}
}
