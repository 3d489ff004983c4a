package httpmw

import "net/http"

// baselineSecurityHeaders are applied to responses that do not already carry
// them. The upstream application owns CSP and framing policy for its pages.
var baselineSecurityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "SAMEORIGIN"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
}

const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders fills in baseline security headers on the way out without
// overriding values set by the handler or upstream. HSTS is only sent for
// https requests.
func SecurityHeaders(next http.Handler) http.Handler {
	return PostResponse(func(_ int, w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range baselineSecurityHeaders {
			if h.Get(kv[0]) == "" {
				h.Set(kv[0], kv[1])
			}
		}
		if schemeFromRequest(r) == "https" && h.Get("Strict-Transport-Security") == "" {
			h.Set("Strict-Transport-Security", hstsValue)
		}
	})(next)
}
