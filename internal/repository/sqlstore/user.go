package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/xid"

	"github.com/sakif/synaps-idp/internal/apperror"
	"github.com/sakif/synaps-idp/internal/model"
	"github.com/sakif/synaps-idp/internal/repository"
)

// compile-time checks that *Store implements the repository interfaces
var (
	_ repository.UserRepository = (*Store)(nil)
	_ repository.UserWriter     = (*Store)(nil)
)

// FindByEmail returns the user whose email matches exactly.
//
// MySQL's default collations compare case-insensitively, so the row is
// re-checked in Go: "Alice@example.com" never matches "alice@example.com".
//
// Transient failures are retried up to lookupTries times within ctx.
// apperror.ErrNotFound is never retried.
func (s *Store) FindByEmail(ctx context.Context, email string) (*model.UserRecord, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	user, err := backoff.Retry(ctx, func() (*model.UserRecord, error) {
		u, err := s.findByEmail(ctx, email)
		if err != nil && (errors.Is(err, apperror.ErrNotFound) || !retryable(ctx, err)) {
			return nil, backoff.Permanent(err)
		}
		return u, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.lookupTries),
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) findByEmail(ctx context.Context, email string) (*model.UserRecord, error) {
	rows, err := s.conn.QueryContext(ctx, s.q.findByEmail, email)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: looking up user: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			u        model.UserRecord
			password sql.NullString
			name     sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.Email, &password, &name); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning user: %w", err)
		}
		if u.Email != email {
			continue
		}
		u.PasswordHash = password.String
		u.Name = name.String
		return &u, nil
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: reading user rows: %w", err)
	}

	return nil, apperror.NotFound("user", "")
}

// CreateUser inserts a user. An empty ID is filled with a new xid.
func (s *Store) CreateUser(ctx context.Context, user *model.UserRecord) error {
	if user.Email == "" {
		return apperror.ValidationFailed("email", "email is required")
	}
	if user.PasswordHash == "" {
		return apperror.ValidationFailed("password", "password hash is required")
	}
	if user.ID == "" {
		user.ID = xid.New().String()
	}

	_, err := s.conn.ExecContext(ctx, s.q.insert,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Name,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: inserting user %s: %w", user.ID, err)
	}
	return nil
}
