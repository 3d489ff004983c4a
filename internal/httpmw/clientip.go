package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// unknownClient is recorded when the peer address cannot be parsed.
const unknownClient = "0.0.0.0"

// ClientIPOptions configures how the collector's address is derived.
type ClientIPOptions struct {
	// TrustedHops is the number of load balancers in front of the edge whose
	// X-Forwarded-For entries are believed. Zero ignores the header.
	TrustedHops int
}

// ClientIP stores the peer address in the context, trusting no proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the client address in the context. Forwarding
// headers from peers that are not trusted hops are deleted so neither the
// access log nor the upstream proxy can be fooled by them.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, trusted := clientAddr(r, opts.TrustedHops)
			if !trusted {
				r.Header.Del("X-Forwarded-For")
				r.Header.Del("X-Forwarded-Proto")
			}
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// clientAddr returns the client address and whether the forwarding headers
// came through trusted hops. X-Forwarded-For is only read when the direct
// peer is private and hops > 0; the hops-th entry from the right wins.
func clientAddr(r *http.Request, hops int) (string, bool) {
	if r.RemoteAddr == "" {
		return unknownClient, false
	}
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		if a, aerr := netip.ParseAddr(r.RemoteAddr); aerr == nil {
			return a.Unmap().String(), false
		}
		return unknownClient, false
	}
	peer := ap.Addr().Unmap()

	if hops <= 0 || !peer.IsPrivate() {
		return peer.String(), false
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String(), true
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - hops
	if idx < 0 {
		// fewer entries than hops: misconfigured or forged
		return peer.String(), false
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return a.Unmap().String(), true
	}
	return peer.String(), true
}

// ClientIPFromContext returns the address stored by ClientIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
