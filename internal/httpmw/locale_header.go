package httpmw

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/keithlinneman/formhub-edge/internal/locale"
	"github.com/keithlinneman/formhub-edge/internal/log"
)

// NormalizeAcceptLanguage rewrites a bare "km" in Accept-Language to "km-kh"
// when "km-kh" is not already listed, so Khmer resolves to the Cambodian
// translation. It reports whether the header was changed. A malformed header
// is left as is and the *locale.ParseError is returned.
//
// The rewrite is a plain substring replacement over the raw value: any code
// containing "km" (for example "kmr") is rewritten too. No ISO 639-1 code
// other than "km" contains that substring.
func NormalizeAcceptLanguage(h http.Header) (bool, error) {
	values := h.Values("Accept-Language")
	if len(values) == 0 {
		return false, nil
	}
	raw := strings.Join(values, ",")

	parsed, err := locale.ParseAcceptLanguage(raw)
	if err != nil {
		return false, err
	}
	codes := locale.Codes(parsed)
	if !slices.Contains(codes, "km") || slices.Contains(codes, "km-kh") {
		return false, nil
	}

	h.Set("Accept-Language", strings.ReplaceAll(raw, "km", "km-kh"))
	return true, nil
}

// NormalizeLocale runs NormalizeAcceptLanguage on every request. Parse errors
// are logged at debug and the request continues with its original header.
func NormalizeLocale(onRewrite func()) func(http.Handler) http.Handler {
	return PreRequest(func(r *http.Request) {
		rewritten, err := NormalizeAcceptLanguage(r.Header)
		var pe *locale.ParseError
		switch {
		case errors.As(err, &pe):
			ctx := r.Context()
			log.FromContext(ctx).Debug(ctx, "accept-language not parsed", "reason", pe.Reason, "offset", pe.Offset)
		case rewritten && onRewrite != nil:
			onRewrite()
		}
	})
}
