package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

var (
	ErrUnknownClient      = errors.New("auth: unknown client")
	ErrInvalidClientCreds = errors.New("auth: invalid client credentials")
)

// ClientRegistry checks client_id / client_secret pairs on the token endpoint.
//
// An empty registry accepts any (or no) client credentials. That is how
// existing deployments run: the Flask issuer never looked at client_secret.
// Registering one client switches client authentication on for everyone.
type ClientRegistry struct {
	secrets map[string][32]byte
}

// NewClientRegistry builds a registry from client_id → client_secret pairs.
// Only digests of the secrets are kept.
func NewClientRegistry(clients map[string]string) *ClientRegistry {
	r := &ClientRegistry{secrets: make(map[string][32]byte, len(clients))}
	for id, secret := range clients {
		r.secrets[id] = sha256.Sum256([]byte(secret))
	}
	return r
}

// Enabled reports whether client authentication is enforced.
func (r *ClientRegistry) Enabled() bool {
	return r != nil && len(r.secrets) > 0
}

// Authenticate verifies a client. Comparing fixed-size digests keeps the
// comparison constant-time regardless of the presented secret's length.
func (r *ClientRegistry) Authenticate(clientID, clientSecret string) error {
	if !r.Enabled() {
		return nil
	}

	presented := sha256.Sum256([]byte(clientSecret))
	want, ok := r.secrets[clientID]
	if !ok {
		// Compare anyway so unknown and known ids cost the same.
		subtle.ConstantTimeCompare(presented[:], presented[:])
		return ErrUnknownClient
	}
	if subtle.ConstantTimeCompare(presented[:], want[:]) != 1 {
		return ErrInvalidClientCreds
	}
	return nil
}
