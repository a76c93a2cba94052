package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Scheme identifies a family of stored password hashes.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeGeneric
	SchemeBcrypt
)

func (s Scheme) String() string {
	switch s {
	case SchemeBcrypt:
		return "bcrypt"
	case SchemeGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// ParseScheme maps a PASSWORD_SCHEMES entry to a Scheme.
func ParseScheme(name string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bcrypt":
		return SchemeBcrypt, nil
	case "generic":
		return SchemeGeneric, nil
	default:
		return SchemeUnknown, fmt.Errorf("auth: unknown password scheme %q", name)
	}
}

// ParseSchemes maps a list of scheme names, failing on the first unknown one.
func ParseSchemes(names []string) ([]Scheme, error) {
	out := make([]Scheme, 0, len(names))
	for _, n := range names {
		s, err := ParseScheme(n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// DetectScheme picks the scheme from the hash prefix.
func DetectScheme(hash string) Scheme {
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(hash, p) {
			return SchemeBcrypt
		}
	}
	if isGenericSalted(hash) {
		return SchemeGeneric
	}
	return SchemeUnknown
}

// bcryptFamily verifies $2a$, $2b$ and $2y$ hashes.
type bcryptFamily struct{}

func (bcryptFamily) verify(plaintext, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(normalizeBcrypt(hash)), []byte(plaintext))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword), errors.Is(err, bcrypt.ErrPasswordTooLong):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
}

// normalizeBcrypt rewrites the PHP "$2y$" marker to "$2b$". The two produce
// identical digests; only the label differs.
func normalizeBcrypt(hash string) string {
	if strings.HasPrefix(hash, "$2y$") {
		return "$2b$" + hash[len("$2y$"):]
	}
	return hash
}
