// Package service holds the token issuer's business logic.
//
// Two pieces live here:
//
//	OIDCHandler (HTTP) → PasswordGrant (grant rules) → Authenticator (credentials)
//	                                                 ↘ TokenIssuer (JWT)
//
// The handler deals with forms and status codes, PasswordGrant decides what
// a token request is allowed to do, and Authenticator answers one question:
// do these credentials belong to a user, and if so, who?
//
// Nothing here reads HTTP requests or writes responses, so every rule can be
// tested with a fake repository and no server.
package service

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/sakif/synaps-idp/internal/apperror"
	"github.com/sakif/synaps-idp/internal/auth"
	"github.com/sakif/synaps-idp/internal/model"
	"github.com/sakif/synaps-idp/internal/repository"
)

// Authenticator checks an email and password against the user store.
//
// DEPENDENCIES (injected via NewAuthenticator):
//   - users      repository.UserRepository → exact-match lookup by email
//   - passwords  *auth.PasswordService     → bcrypt / werkzeug / argon2 checks
//   - slots      *semaphore.Weighted       → bounds concurrent hash checks
//   - logger     *slog.Logger              → structured logging
type Authenticator struct {
	users     repository.UserRepository
	passwords *auth.PasswordService
	slots     *semaphore.Weighted
	logger    *slog.Logger
}

// NewAuthenticator creates an Authenticator. concurrency caps how many hash
// verifications run at once; zero or less means one per CPU.
func NewAuthenticator(
	users repository.UserRepository,
	passwords *auth.PasswordService,
	concurrency int,
	logger *slog.Logger,
) *Authenticator {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Authenticator{
		users:     users,
		passwords: passwords,
		slots:     semaphore.NewWeighted(int64(concurrency)),
		logger:    logger,
	}
}

// Verify returns the identity of the user owning email if password matches.
//
// ERRORS:
//   - apperror.ErrInvalidGrant  unknown email, wrong password, or a stored
//     hash that cannot be verified. All three look the same to the caller.
//   - apperror.ErrUnavailable   the user store did not answer, or no
//     verification slot freed up before ctx ended.
//
// ENUMERATION RESISTANCE:
// When the email is unknown, a dummy bcrypt comparison still runs so that
// the response takes about as long as a wrong password would. Its cost
// follows the bcrypt hashes this service has verified (see
// auth.PasswordService).
func (a *Authenticator) Verify(ctx context.Context, email, password string) (*model.Identity, error) {
	if email == "" {
		if err := a.dummyVerify(ctx, password); err != nil {
			return nil, err
		}
		return nil, apperror.InvalidGrant()
	}

	user, err := a.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			a.logger.Debug("password grant for unknown user",
				slog.Int("dummyCost", a.passwords.DummyCost()),
			)
			if err := a.dummyVerify(ctx, password); err != nil {
				return nil, err
			}
			return nil, apperror.InvalidGrant()
		}
		a.logger.Error("user lookup failed", slog.String("error", err.Error()))
		return nil, apperror.StorageUnavailable(err)
	}

	if err := a.slots.Acquire(ctx, 1); err != nil {
		return nil, apperror.Overloaded(err)
	}
	err = a.passwords.Verify(user.PasswordHash, password)
	a.slots.Release(1)

	if err != nil {
		a.logVerifyFailure(user, err)
		return nil, apperror.InvalidGrant()
	}

	return model.IdentityFromRecord(user), nil
}

func (a *Authenticator) dummyVerify(ctx context.Context, password string) error {
	if err := a.slots.Acquire(ctx, 1); err != nil {
		return apperror.Overloaded(err)
	}
	a.passwords.VerifyDummy(password)
	a.slots.Release(1)
	return nil
}

// logVerifyFailure records why a known user's check failed. A plain mismatch
// is routine; anything else points at a stored hash that needs attention.
// The error values from auth never carry the hash or the password.
func (a *Authenticator) logVerifyFailure(user *model.UserRecord, err error) {
	if errors.Is(err, auth.ErrPasswordMismatch) {
		a.logger.Debug("password mismatch", slog.String("userID", user.ID))
		return
	}
	a.logger.Warn("stored password hash rejected",
		slog.String("userID", user.ID),
		slog.String("scheme", auth.DetectScheme(user.PasswordHash).String()),
		slog.String("error", err.Error()),
	)
}
