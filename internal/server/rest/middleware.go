package rest

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeRead is the grant an operator token must carry to read the control
// plane. The surface is read-only, so it is the only scope nodee defines;
// a token minted for some other tool verifies fine but is still rejected.
const ScopeRead = "nodee.read"

// ctxKey is an unexported type for request-context values, so no other
// package can collide with (or fish out) the control plane's entries.
type ctxKey int

const claimsCtxKey ctxKey = iota

// Claims are the token claims the control plane inspects: the registered
// set plus the scope list stamped in by whatever operator tooling mints
// tokens for the cluster.
type Claims struct {
	jwt.RegisteredClaims

	// Scope is a space-separated list of grants, e.g. "nodee.read".
	Scope string `json:"scope"`
}

// HasScope reports whether the claims carry the given grant.
func (c *Claims) HasScope(want string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == want {
			return true
		}
	}
	return false
}

// JWTMiddleware returns an HTTP middleware enforcing RS256 Bearer tokens on
// the read-only API. Requests without a verifiable token are rejected with
// 401; a valid token that lacks ScopeRead gets 403 instead, so an operator
// can tell a bad token from a mis-scoped one. Tokens must carry an expiry.
//
// Verified claims are stored in the request context and can be retrieved by
// handlers via ClaimsFromContext.
func JWTMiddleware(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "expected a Bearer token in the Authorization header")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims,
				func(*jwt.Token) (any, error) { return pubKey, nil },
				jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
				jwt.WithExpirationRequired(),
			)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if !claims.HasScope(ScopeRead) {
				writeError(w, http.StatusForbidden, "token lacks the "+ScopeRead+" scope")
				return
			}

			ctx := context.WithValue(r.Context(), claimsCtxKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. ok is false when the header is absent, uses another scheme, or
// carries no token.
func bearerToken(r *http.Request) (token string, ok bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// ClaimsFromContext retrieves the JWT claims stored in ctx by JWTMiddleware.
// Returns nil if no claims are present (e.g. on unauthenticated routes).
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsCtxKey).(*Claims)
	return c
}

// LoadPublicKey reads a PEM-encoded RSA public key from path, for use with
// JWTMiddleware. Both PKIX "PUBLIC KEY" and PKCS#1 "RSA PUBLIC KEY" blocks
// are accepted.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rest: read public key %q: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("rest: %q contains no PEM block", path)
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("rest: parse public key %q: %w", path, err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("rest: %q is not an RSA public key", path)
		}
		return rsaKey, nil
	}
}
