package httpmw

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/keithlinneman/formhub-edge/internal/auth"
	"github.com/keithlinneman/formhub-edge/internal/locale"
)

// MethodNotAllowedTemplate is the template name rendered for 405 responses.
const MethodNotAllowedTemplate = "405.html"

// TemplateExecutor is satisfied by *html/template.Template.
type TemplateExecutor interface {
	ExecuteTemplate(w io.Writer, name string, data any) error
}

// MethodNotAllowedPage is the data passed to the 405 template.
type MethodNotAllowedPage struct {
	Method    string
	Path      string
	Allow     string
	RequestID string
	Language  string
	Username  string
}

// RenderError is raised (as a panic) when the 405 page cannot be rendered.
type RenderError struct {
	Template string
	Err      error
}

func (e *RenderError) Error() string { return "render " + e.Template + ": " + e.Err.Error() }
func (e *RenderError) Unwrap() error { return e.Err }

// MethodNotAllowed replaces the body of every 405 response with the rendered
// 405 template. Other responses pass through untouched. A render failure
// panics with *RenderError and must be caught by an outer Recover.
func MethodNotAllowed(tmpl TemplateExecutor, onRender func()) func(http.Handler) http.Handler {
	return PostResponse(func(code int, w http.ResponseWriter, r *http.Request) {
		if code != http.StatusMethodNotAllowed {
			return
		}

		page := MethodNotAllowedPage{
			Method:    r.Method,
			Path:      r.URL.Path,
			Allow:     w.Header().Get("Allow"),
			RequestID: RequestIDFromContext(r.Context()),
		}
		if tag, ok := locale.FromContext(r.Context()); ok {
			page.Language = tag.String()
		}
		if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.IsAuthenticated() {
			page.Username = p.Username
		}

		var buf bytes.Buffer
		if err := tmpl.ExecuteTemplate(&buf, MethodNotAllowedTemplate, page); err != nil {
			panic(&RenderError{Template: MethodNotAllowedTemplate, Err: err})
		}

		h := w.Header()
		h.Del("Content-Encoding")
		h.Set("Content-Type", "text/html; charset=utf-8")
		h.Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusMethodNotAllowed)
		if r.Method != http.MethodHead {
			_, _ = w.Write(buf.Bytes())
		}
		if onRender != nil {
			onRender()
		}
	})
}
