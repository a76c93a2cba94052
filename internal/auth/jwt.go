// Package auth provides password verification, access token issuance and
// bearer token validation for the identity provider.
//
// TOKEN ISSUANCE OVERVIEW:
//  1. The token endpoint verifies the resource owner's password (password.go)
//  2. The verified Identity is turned into a fixed claim set (this file)
//  3. The claims are signed with HS256 using the configured secret
//  4. Resource servers (and our own /userinfo) validate the signature and the
//     iss / aud / exp claims with the same secret
//
// CLAIM SET:
//
//	sub                 user id as a string
//	email               user email
//	name                display name
//	preferred_username  the email again (clients key sessions on it)
//	iat / exp           issue time and issue time + 60 minutes
//	iss                 the configured issuer URL
//	aud                 "account" unless configured otherwise
//
// "aud" is written as a single JSON string, not a one-element array. Clients
// written against the Flask issuer compare it as a string.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/synaps-idp/internal/model"
)

// TokenTTL is the access token lifetime. It is not configurable.
const TokenTTL = 60 * time.Minute

// ErrTokenExpired is returned by Validate for a well-signed but expired token.
var ErrTokenExpired = errors.New("auth: token expired")

// Claims is the JWT payload.
//
// Audience shadows RegisteredClaims.Audience so it serializes as a string;
// GetAudience below keeps the jwt validator working with it.
type Claims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Audience          string `json:"aud"`
	jwt.RegisteredClaims
}

// GetAudience implements jwt.Claims.
func (c Claims) GetAudience() (jwt.ClaimStrings, error) {
	if c.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{c.Audience}, nil
}

// TokenIssuer signs and validates access tokens.
//
// It holds the HMAC secret used for both operations. The secret comes from
// configuration only; there is no built-in fallback.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
// The secret should be at least 32 bytes of random data in production.
// Example: HS256_KEY=$(openssl rand -hex 32)
func NewTokenIssuer(secret, issuer, audience string) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: signing secret must be at least 16 characters")
	}
	if issuer == "" {
		return nil, errors.New("auth: issuer URL is required")
	}
	if audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	return &TokenIssuer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}, nil
}

// WithClock returns a copy of the issuer that reads the time from now.
// Used by tests to issue tokens at fixed instants.
func (t *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	cp := *t
	cp.now = now
	return &cp
}

// Issue creates and signs an access token for a verified identity.
//
// The clock is read exactly once, so exp - iat is always TokenTTL.
func (t *TokenIssuer) Issue(id *model.Identity) (string, error) {
	if id == nil || id.Subject == "" {
		return "", errors.New("auth: identity without subject")
	}

	now := t.now().Truncate(time.Second)

	c := Claims{
		Email:             id.Email,
		Name:              id.Name,
		PreferredUsername: id.Email,
		Audience:          t.audience,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a token issued by Issue.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid and the algorithm is HS256 (no "none", no RS/HS confusion)
//   - exp is present and in the future
//   - iss equals the configured issuer
//   - aud equals the configured audience
func (t *TokenIssuer) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}

	return c, nil
}
