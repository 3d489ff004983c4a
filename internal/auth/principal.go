package auth

import "context"

// Principal is the user a request was authenticated as.
type Principal struct {
	Username      string
	Authenticated bool
}

// IsAuthenticated is safe to call on a nil principal.
func (p *Principal) IsAuthenticated() bool {
	return p != nil && p.Authenticated && p.Username != ""
}

type principalKey struct{}

// WithPrincipal attaches p to ctx. A nil p leaves ctx unchanged.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal for the request, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
