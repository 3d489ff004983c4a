package httpmw

import "net/http"

// validHeaderText reports whether v is printable ASCII, allowing SP and HTAB.
func validHeaderText(v string) bool {
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\t' {
			continue
		}
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// SanitizeDateHeader deletes the request Date header when any of its values is
// not plain header text. Clients that send a localized date would otherwise
// hand undecodable bytes to signature checks further in.
func SanitizeDateHeader(onDrop func()) func(http.Handler) http.Handler {
	return PreRequest(func(r *http.Request) {
		values := r.Header.Values("Date")
		for _, v := range values {
			if validHeaderText(v) {
				continue
			}
			r.Header.Del("Date")
			if onDrop != nil {
				onDrop()
			}
			return
		}
	})
}
