// Package auth provides an optional bearer-token guard for resource
// handlers, validating against a JWKS endpoint exactly as the teacher's
// HTTP bearer-auth layer does, adapted to CoAP's request/response shape
// (spec.md "MODULE: auth").
package auth

import "context"

// Principal is the authenticated identity recovered from a validated
// token, available to a wrapped handler via PrincipalFromContext.
type Principal interface {
	GetClaims() interface{}
	GetSubject() string
}

// TokenValidator validates a bearer token string and returns the
// authenticated Principal, or an error if the token is missing, malformed
// or rejected.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (Principal, error)
}

type principalKeyType struct{}

var principalKey = principalKeyType{}

// ContextWithPrincipal returns a context carrying principal.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the Principal installed by BearerGuard,
// if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}
