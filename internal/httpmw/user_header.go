package httpmw

import (
	"net/http"

	"github.com/keithlinneman/formhub-edge/internal/auth"
)

// UserHeader names the authenticated user on responses.
const UserHeader = "X-KoBoNaUt"

// AnnotateUser sets UserHeader on responses to requests with an
// authenticated principal. Anonymous requests are left alone.
func AnnotateUser(onAnnotate func()) func(http.Handler) http.Handler {
	return PostResponse(func(_ int, w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok || !p.IsAuthenticated() {
			return
		}
		w.Header().Set(UserHeader, p.Username)
		if onAnnotate != nil {
			onAnnotate()
		}
	})
}
