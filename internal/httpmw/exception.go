package httpmw

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"
)

// PanicError carries a recovered panic value and the goroutine stack at the
// point of recovery.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Unwrap exposes the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ReportError describes a failure to produce an exception report.
type ReportError struct {
	Op  string // "format" or "write"
	Err error
}

func (e *ReportError) Error() string { return "exception report " + e.Op + ": " + e.Err.Error() }
func (e *ReportError) Unwrap() error { return e.Err }

// ExceptionReporter writes a plain text report of an unhandled error to a
// diagnostic stream. Report failures go to OnFailure and are otherwise dropped.
type ExceptionReporter struct {
	W         io.Writer
	OnReport  func()
	OnFailure func(*ReportError)

	mu  sync.Mutex
	now func() time.Time
}

// NewExceptionReporter returns a reporter writing to w, or stderr when w is nil.
func NewExceptionReporter(w io.Writer) *ExceptionReporter {
	if w == nil {
		w = os.Stderr
	}
	return &ExceptionReporter{W: w}
}

// Report formats err with the request line and stack trace and writes it in
// a single Write call.
func (e *ExceptionReporter) Report(r *http.Request, err error) {
	if e == nil {
		return
	}
	var buf bytes.Buffer
	if ferr := e.format(&buf, r, err); ferr != nil {
		e.fail(&ReportError{Op: "format", Err: ferr})
		return
	}

	w := e.W
	if w == nil {
		w = os.Stderr
	}
	e.mu.Lock()
	_, werr := w.Write(buf.Bytes())
	e.mu.Unlock()
	if werr != nil {
		e.fail(&ReportError{Op: "write", Err: werr})
		return
	}
	if e.OnReport != nil {
		e.OnReport()
	}
}

func (e *ExceptionReporter) fail(re *ReportError) {
	if e.OnFailure != nil {
		e.OnFailure(re)
	}
}

// format recovers from panics raised by err.Error() or similar.
func (e *ExceptionReporter) format(buf *bytes.Buffer, r *http.Request, err error) (ferr error) {
	defer func() {
		if p := recover(); p != nil {
			ferr = fmt.Errorf("panic while formatting: %v", p)
		}
	}()

	now := time.Now
	if e.now != nil {
		now = e.now
	}

	fmt.Fprintf(buf, "=== unhandled exception %s", now().UTC().Format(time.RFC3339))
	if r != nil {
		if id := RequestIDFromContext(r.Context()); id != "" {
			fmt.Fprintf(buf, " request_id=%s", id)
		}
		fmt.Fprintf(buf, "\n%s %s\n", r.Method, r.URL.RequestURI())
	} else {
		buf.WriteByte('\n')
	}

	if err == nil {
		buf.WriteString("error: <nil>\n")
		return nil
	}
	fmt.Fprintf(buf, "error: %s\n", err.Error())
	buf.WriteString("stack:\n")
	writeStack(buf, err)
	buf.WriteString("===\n")
	return nil
}

type stackPCs interface {
	StackPCs() []uintptr
}

func writeStack(buf *bytes.Buffer, err error) {
	var pe *PanicError
	if errors.As(err, &pe) && len(pe.Stack) > 0 {
		buf.Write(pe.Stack)
		if pe.Stack[len(pe.Stack)-1] != '\n' {
			buf.WriteByte('\n')
		}
		return
	}

	var sp stackPCs
	if errors.As(err, &sp) {
		if pcs := sp.StackPCs(); len(pcs) > 0 {
			frames := runtime.CallersFrames(pcs)
			for {
				f, more := frames.Next()
				fmt.Fprintf(buf, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
				if !more {
					break
				}
			}
			return
		}
	}
	buf.WriteString("(no stack captured)\n")
}
