package auth

import (
	"net/http"
	"strconv"

	"github.com/keithlinneman/formhub-edge/internal/log"
)

// Authenticator checks a username/password pair.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// BasicAuthOptions configures the BasicAuth middleware.
type BasicAuthOptions struct {
	Realm string

	// OnResult is called with "ok", "invalid" or "anonymous" for every request.
	OnResult func(result string)
}

// BasicAuth resolves HTTP Basic credentials into a Principal.
// Requests without credentials pass through with no principal attached.
func BasicAuth(a Authenticator, opts BasicAuthOptions) func(http.Handler) http.Handler {
	realm := opts.Realm
	if realm == "" {
		realm = "formhub"
	}
	result := opts.OnResult
	if result == nil {
		result = func(string) {}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				result("anonymous")
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			if !a.Authenticate(user, pass) {
				result("invalid")
				log.FromContext(ctx).Info(ctx, "basic auth rejected")
				w.Header().Set("WWW-Authenticate", "Basic realm="+strconv.Quote(realm)+`, charset="UTF-8"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			result("ok")
			log.Note(ctx, "user.name", user)
			ctx = WithPrincipal(ctx, &Principal{Username: user, Authenticated: true})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
