// Package auth: password hashing and verification.
//
// WHY MORE THAN ONE SCHEME?
// The user table is shared with older applications. Rows written by the Flask
// backend carry werkzeug hashes ("pbkdf2:sha256:600000$salt$hex" or
// "scrypt:32768:8:1$salt$hex"), rows written by the PHP side carry bcrypt
// hashes with the PHP "$2y$" marker, and a few migrated accounts carry PHC
// argon2 strings. Every stored hash is self-describing, so the scheme is
// picked from the hash prefix, never guessed from the deployment.
//
// The set of schemes is closed:
//
//	SchemeBcrypt   $2a$ / $2b$ / $2y$
//	SchemeGeneric  werkzeug pbkdf2 / scrypt, PHC argon2id / argon2i
//
// A deployment may narrow it with PASSWORD_SCHEMES; a hash outside the allowed
// set is refused rather than verified.
//
// NEW hashes (the idpctl tool) are always bcrypt, cost 12:
//
//	$2a$12$<22-char salt><31-char hash>
//	 ^   ^
//	 |   cost (12 rounds → 2^12 = 4096 iterations)
//	 version
package auth

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
)

// defaultCost is the bcrypt work factor for new hashes.
const defaultCost = 12

// DefaultDummyCost is the starting cost of the unknown-user dummy hash.
// Laravel's Hash::make and PHP's password_hash default to 10.
const DefaultDummyCost = 10

// maxDummyCost bounds the dummy cost. Each step doubles the work.
const maxDummyCost = 16

var (
	// ErrPasswordMismatch means the hash is valid but the password is wrong.
	ErrPasswordMismatch = errors.New("auth: invalid password")
	// ErrUnsupportedHash means the stored value matches no known scheme.
	ErrUnsupportedHash = errors.New("auth: unsupported password hash format")
	// ErrSchemeDisabled means the scheme is known but not allowed here.
	ErrSchemeDisabled = errors.New("auth: password hash scheme disabled")
	// ErrMalformedHash means the prefix was recognized but the rest did not parse.
	ErrMalformedHash = errors.New("auth: malformed password hash")
)

// hashVerifier checks a plaintext against one family of stored hashes.
// It returns (false, nil) on a clean mismatch and an error only when the hash
// itself cannot be used.
type hashVerifier interface {
	verify(plaintext, hash string) (bool, error)
}

// PasswordService verifies stored password hashes and creates new ones.
//
// It's a struct (not free functions) so that the cost and the allowed schemes
// can be injected. Tests use cost 4 (the bcrypt minimum).
//
// DUMMY HASH COST:
// VerifyDummy must cost what a real wrong-password check costs, and that is
// decided by the stored hashes, not by the cost we hash new passwords with.
// The dummy starts at the configured cost and then follows the cost of the
// last bcrypt hash Verify saw. One dummy hash per cost is generated lazily
// and kept.
type PasswordService struct {
	cost      int
	allowed   map[Scheme]bool
	verifiers map[Scheme]hashVerifier

	dummyCost atomic.Int32
	dummyMu   sync.Mutex
	dummies   map[int][]byte
}

// NewPasswordService creates a PasswordService with the default cost (12).
// With no schemes given, every known scheme is allowed.
func NewPasswordService(schemes ...Scheme) *PasswordService {
	return newPasswordServiceWithCost(defaultCost, schemes...)
}

// NewPasswordServiceForTest creates a PasswordService with a custom bcrypt
// cost. Use cost 4 in tests in other packages to avoid the ~250ms overhead of
// cost 12 per operation.
//
// Do NOT use in production: cost 4 is far too weak.
func NewPasswordServiceForTest(cost int, schemes ...Scheme) *PasswordService {
	return newPasswordServiceWithCost(cost, schemes...)
}

func newPasswordServiceWithCost(cost int, schemes ...Scheme) *PasswordService {
	if len(schemes) == 0 {
		schemes = []Scheme{SchemeBcrypt, SchemeGeneric}
	}
	allowed := make(map[Scheme]bool, len(schemes))
	for _, s := range schemes {
		allowed[s] = true
	}

	p := &PasswordService{
		cost:    cost,
		allowed: allowed,
		verifiers: map[Scheme]hashVerifier{
			SchemeBcrypt:  bcryptFamily{},
			SchemeGeneric: genericSalted{},
		},
		dummies: make(map[int][]byte),
	}
	dummyCost := DefaultDummyCost
	if cost < dummyCost {
		// Test services stay cheap until they verify a real hash.
		dummyCost = cost
	}
	p.dummyCost.Store(int32(dummyCost))
	p.dummyHash(dummyCost)
	return p
}

// WithDummyCost sets the starting cost of the unknown-user dummy hash.
// It should match the cost most stored hashes were written with.
func (p *PasswordService) WithDummyCost(cost int) (*PasswordService, error) {
	if cost < bcrypt.MinCost || cost > maxDummyCost {
		return nil, fmt.Errorf("auth: dummy hash cost must be between %d and %d", bcrypt.MinCost, maxDummyCost)
	}
	p.dummyCost.Store(int32(cost))
	p.dummyHash(cost)
	return p, nil
}

// DummyCost returns the bcrypt cost VerifyDummy currently spends.
func (p *PasswordService) DummyCost() int {
	return int(p.dummyCost.Load())
}

// dummyHash returns the dummy hash for cost, generating it on first use.
// The dummy only has to be a well-formed bcrypt string at the right cost.
// Its plaintext is never compared successfully.
func (p *PasswordService) dummyHash(cost int) []byte {
	p.dummyMu.Lock()
	defer p.dummyMu.Unlock()

	if h, ok := p.dummies[cost]; ok {
		return h
	}
	h, err := bcrypt.GenerateFromPassword([]byte("synaps-idp timing equalizer"), cost)
	if err != nil {
		panic(fmt.Sprintf("auth: generating dummy hash: %v", err))
	}
	p.dummies[cost] = h
	return h
}

// observeBcryptCost makes the dummy follow the cost of a stored hash.
func (p *PasswordService) observeBcryptCost(hash string) {
	cost, err := bcrypt.Cost([]byte(normalizeBcrypt(hash)))
	if err != nil || cost < bcrypt.MinCost || cost > maxDummyCost {
		return
	}
	p.dummyCost.Store(int32(cost))
}

// Hash hashes the given plaintext password with bcrypt.
//
// Returns an error if the plaintext is too long (>72 bytes, a bcrypt limit).
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if len(plaintext) > 72 {
		// bcrypt silently truncates passwords longer than 72 bytes.
		// We reject them explicitly so callers aren't surprised.
		return "", fmt.Errorf("auth: password must be 72 bytes or fewer")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}

	return string(hashed), nil
}

// Verify checks whether a plaintext password matches a stored hash.
//
// Returns nil if they match. Otherwise the error is one of
// ErrPasswordMismatch, ErrUnsupportedHash, ErrSchemeDisabled, or wraps
// ErrMalformedHash. Callers outside this package should treat every non-nil
// result the same way towards the client.
//
// Neither the plaintext nor the hash ever appears in a returned error.
func (p *PasswordService) Verify(hash, plaintext string) error {
	scheme := DetectScheme(hash)
	if scheme == SchemeUnknown {
		return ErrUnsupportedHash
	}
	if !p.allowed[scheme] {
		return fmt.Errorf("%w: %s", ErrSchemeDisabled, scheme)
	}

	if scheme == SchemeBcrypt {
		p.observeBcryptCost(hash)
	}

	ok, err := p.verifiers[scheme].verify(plaintext, hash)
	if err != nil {
		return fmt.Errorf("auth: verifying %s hash: %w", scheme, err)
	}
	if !ok {
		return ErrPasswordMismatch
	}
	return nil
}

// VerifyDummy burns roughly the same CPU as a bcrypt verification of a
// stored hash, and always fails. Call it when the user does not exist so
// that "unknown email" and "wrong password" take comparable time.
func (p *PasswordService) VerifyDummy(plaintext string) {
	_ = bcrypt.CompareHashAndPassword(p.dummyHash(p.DummyCost()), []byte(plaintext))
}
