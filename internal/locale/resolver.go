package locale

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/keithlinneman/formhub-edge/internal/log"
	"github.com/keithlinneman/formhub-edge/internal/xerrors"
)

type ctxKey struct{}

// WithTag stores the resolved language on ctx.
func WithTag(ctx context.Context, t language.Tag) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the resolved language, if resolution ran for this request.
func FromContext(ctx context.Context) (language.Tag, bool) {
	t, ok := ctx.Value(ctxKey{}).(language.Tag)
	return t, ok
}

// Resolver picks one of the supported languages for a request.
// The first supported language is the fallback.
type Resolver struct {
	supported []language.Tag
	matcher   language.Matcher
}

// NewResolver builds a resolver over BCP 47 codes such as "en", "fr", "km-KH".
func NewResolver(codes []string) (*Resolver, error) {
	if len(codes) == 0 {
		return nil, xerrors.New("locale: at least one language is required")
	}
	tags := make([]language.Tag, 0, len(codes))
	for _, c := range codes {
		t, err := language.Parse(c)
		if err != nil {
			return nil, xerrors.Wrapf(err, "locale: parse language %q", c)
		}
		tags = append(tags, t)
	}
	return &Resolver{supported: tags, matcher: language.NewMatcher(tags)}, nil
}

// Default returns the fallback language.
func (r *Resolver) Default() language.Tag { return r.supported[0] }

// Resolve matches an Accept-Language value against the supported languages.
// Unparseable or empty values resolve to the default.
func (r *Resolver) Resolve(acceptLanguage string) language.Tag {
	if acceptLanguage == "" {
		return r.Default()
	}
	desired, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(desired) == 0 {
		return r.Default()
	}
	_, idx, conf := r.matcher.Match(desired...)
	if conf == language.No {
		return r.Default()
	}
	return r.supported[idx]
}

// Middleware resolves the request language, stores it in the context and
// advertises it with Content-Language.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		tag := r.Resolve(strings.Join(req.Header.Values("Accept-Language"), ","))

		ctx := WithTag(req.Context(), tag)
		log.Note(ctx, "locale", tag.String())

		w.Header().Set("Content-Language", tag.String())
		w.Header().Add("Vary", "Accept-Language")

		next.ServeHTTP(w, req.WithContext(ctx))
	})
}
