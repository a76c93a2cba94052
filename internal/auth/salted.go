package auth

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Parameters werkzeug falls back to when a method string omits them.
const (
	werkzeugPBKDF2Iterations = 600000
	werkzeugScryptN          = 1 << 15
	werkzeugScryptR          = 8
	werkzeugScryptP          = 1
	werkzeugScryptKeyLen     = 64
)

// Upper bounds on the work a stored hash may ask for. A row with larger
// parameters is treated as malformed instead of being allowed to pin a CPU
// or allocate gigabytes.
const (
	maxPBKDF2Iterations = 10_000_000
	maxScryptMemory     = 256 << 20 // bytes, 128*N*r*p
	maxArgon2MemoryKiB  = 1 << 20
	maxArgon2Time       = 64
)

var pbkdf2Digests = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// isGenericSalted reports whether the hash is a werkzeug or PHC argon2 string.
func isGenericSalted(h string) bool {
	switch {
	case strings.HasPrefix(h, "pbkdf2:"), strings.HasPrefix(h, "pbkdf2$"):
		return true
	case strings.HasPrefix(h, "scrypt:"), strings.HasPrefix(h, "scrypt$"):
		return true
	case strings.HasPrefix(h, "$argon2id$"), strings.HasPrefix(h, "$argon2i$"):
		return true
	}
	return false
}

// genericSalted verifies self-describing salted hashes whose parameters are
// embedded in the string.
type genericSalted struct{}

func (genericSalted) verify(plaintext, h string) (bool, error) {
	if strings.HasPrefix(h, "$argon2") {
		return verifyArgon2(plaintext, h)
	}
	return verifyWerkzeug(plaintext, h)
}

// verifyWerkzeug handles "method$salt$hexdigest". The salt is used as its
// literal UTF-8 bytes, not decoded.
func verifyWerkzeug(plaintext, h string) (bool, error) {
	parts := strings.SplitN(h, "$", 3)
	if len(parts) != 3 {
		return false, fmt.Errorf("%w: expected method$salt$hash", ErrMalformedHash)
	}
	method, salt, digestHex := parts[0], parts[1], parts[2]

	want, err := hex.DecodeString(digestHex)
	if err != nil || len(want) == 0 {
		return false, fmt.Errorf("%w: digest is not hex", ErrMalformedHash)
	}

	args := strings.Split(method, ":")
	var got []byte

	switch args[0] {
	case "pbkdf2":
		digest := "sha256"
		iterations := werkzeugPBKDF2Iterations
		if len(args) > 3 {
			return false, fmt.Errorf("%w: too many pbkdf2 parameters", ErrMalformedHash)
		}
		if len(args) > 1 {
			digest = args[1]
		}
		if len(args) > 2 {
			iterations, err = strconv.Atoi(args[2])
			if err != nil || iterations < 1 || iterations > maxPBKDF2Iterations {
				return false, fmt.Errorf("%w: bad pbkdf2 iteration count", ErrMalformedHash)
			}
		}
		newHash, ok := pbkdf2Digests[digest]
		if !ok {
			return false, fmt.Errorf("%w: unsupported pbkdf2 digest %q", ErrMalformedHash, digest)
		}
		got = pbkdf2.Key([]byte(plaintext), []byte(salt), iterations, newHash().Size(), newHash)

	case "scrypt":
		n, r, p := werkzeugScryptN, werkzeugScryptR, werkzeugScryptP
		switch len(args) {
		case 1:
		case 4:
			n, err = strconv.Atoi(args[1])
			if err == nil {
				r, err = strconv.Atoi(args[2])
			}
			if err == nil {
				p, err = strconv.Atoi(args[3])
			}
			if err != nil {
				return false, fmt.Errorf("%w: bad scrypt parameters", ErrMalformedHash)
			}
		default:
			return false, fmt.Errorf("%w: scrypt takes n:r:p", ErrMalformedHash)
		}
		if n < 2 || r < 1 || p < 1 || int64(128)*int64(n)*int64(r)*int64(p) > maxScryptMemory {
			return false, fmt.Errorf("%w: scrypt parameters out of range", ErrMalformedHash)
		}
		got, err = scrypt.Key([]byte(plaintext), []byte(salt), n, r, p, werkzeugScryptKeyLen)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
		}

	default:
		return false, fmt.Errorf("%w: unknown method %q", ErrMalformedHash, args[0])
	}

	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// verifyArgon2 handles PHC strings:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
//
// Salt and hash are standard base64, with or without padding.
func verifyArgon2(plaintext, h string) (bool, error) {
	parts := strings.Split(h, "$")
	if len(parts) != 6 || parts[0] != "" {
		return false, fmt.Errorf("%w: invalid PHC format", ErrMalformedHash)
	}

	variant := parts[1]
	if variant != "argon2id" && variant != "argon2i" {
		return false, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHash, variant)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported argon2 version", ErrMalformedHash)
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("%w: invalid argon2 parameters", ErrMalformedHash)
	}
	if memory == 0 || memory > maxArgon2MemoryKiB || iterations == 0 || iterations > maxArgon2Time || parallelism == 0 {
		return false, fmt.Errorf("%w: argon2 parameters out of range", ErrMalformedHash)
	}

	salt, err := decodePHCBase64(parts[4])
	if err != nil || len(salt) == 0 {
		return false, fmt.Errorf("%w: invalid salt encoding", ErrMalformedHash)
	}
	want, err := decodePHCBase64(parts[5])
	if err != nil || len(want) == 0 {
		return false, fmt.Errorf("%w: invalid hash encoding", ErrMalformedHash)
	}

	var got []byte
	if variant == "argon2id" {
		got = argon2.IDKey([]byte(plaintext), salt, iterations, memory, parallelism, uint32(len(want)))
	} else {
		got = argon2.Key([]byte(plaintext), salt, iterations, memory, parallelism, uint32(len(want)))
	}

	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodePHCBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
