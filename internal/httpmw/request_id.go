package httpmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader is read from clients, echoed on responses and forwarded to
// the backend.
const RequestIDHeader = "X-Request-Id"

// maxRequestIDLen bounds inbound ids; longer ones are replaced.
const maxRequestIDLen = 128

type requestIDKey struct{}

// WithRequestID attaches a request ID to the context. Empty ids are ignored.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext gets the request ID from context, or "" if none.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

// validRequestID accepts ids made of letters, digits and -_.:/ only, so a
// client supplied id is safe to log and forward.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '-', c == '_', c == '.', c == ':', c == '/':
		default:
			return false
		}
	}
	return true
}

// RequestID keeps a valid inbound id or generates one, stores it in the
// context and echoes it on the response.
func RequestID(headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = RequestIDHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerName)
			if !validRequestID(id) {
				id = newRequestID()
			}
			w.Header().Set(headerName, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

// newRequestID returns a random (v4) UUID, or "" if the system RNG fails;
// the logger and proxy cope with an empty id.
func newRequestID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return ""
	}
	return id.String()
}
