package opshttp

import (
	"net"
	"net/http"
	"net/netip"
)

// rejection reasons, also used as metric labels
const (
	rejectForwarded = "forwarded"
	rejectBadAddr   = "bad_addr"
	rejectPublic    = "public"
)

// sourceRejection returns why r may not reach the admin listener, or "" when
// it may. Only loopback, private and link-local peers that were not relayed
// through a proxy are allowed.
func sourceRejection(r *http.Request) string {
	if r.Header.Get("X-Forwarded-For") != "" || r.Header.Get("Forwarded") != "" {
		return rejectForwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return rejectBadAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return rejectBadAddr
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() {
		return ""
	}
	return rejectPublic
}

func privateOnly(opts Options, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reason := sourceRejection(r)
		if reason == "" {
			next.ServeHTTP(w, r)
			return
		}
		opts.Logger.Warn(r.Context(), "admin request rejected",
			"reason", reason,
			"network.peer.address", r.RemoteAddr,
			"url.path", r.URL.Path,
		)
		if opts.OnRejected != nil {
			opts.OnRejected(reason)
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	})
}
