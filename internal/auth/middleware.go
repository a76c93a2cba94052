package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// contextKey is an unexported type used for context keys in this package.
// Only this package can create a key of type contextKey, so only this package
// can read or write the claims stored under it.
type contextKey string

const claimsKey contextKey = "claims"

// ErrNoBearerToken is returned when the Authorization header is missing or
// does not use the Bearer scheme.
var ErrNoBearerToken = errors.New("auth: missing bearer token")

// RequireBearer is a middleware that enforces a valid access token.
//
// It reads "Authorization: Bearer <jwt>", validates it with the issuer, and
// stores the claims in the request context. On failure it answers 401 with
// the RFC 6750 error code and stops the chain.
func RequireBearer(tokens *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := extractClaims(r, tokens)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid_token"}` + "\n"))
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the claims stored by RequireBearer.
//
// Returns (nil, false) if the request did not pass through the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok && c != nil
}

// BearerToken extracts the raw token from the Authorization header.
// The scheme name is case-insensitive (RFC 7235 section 2.1).
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrNoBearerToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoBearerToken
	}
	return token, nil
}

func extractClaims(r *http.Request, tokens *TokenIssuer) (*Claims, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	return tokens.Validate(raw)
}
