//go:build integration

package sqlstore_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/synaps-idp/internal/apperror"
	"github.com/sakif/synaps-idp/internal/dbtest"
	"github.com/sakif/synaps-idp/internal/model"
	"github.com/sakif/synaps-idp/internal/repository/sqlstore"
)

// Run with: go test -tags integration ./internal/repository/sqlstore/
// Needs a reachable Docker daemon (DOCKER_HOST or the default socket).

func startStore(t *testing.T, spec dbtest.Spec) *sqlstore.Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	c, err := dbtest.Start(ctx, spec, logger)
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	store, err := sqlstore.Open(ctx, sqlstore.Options{
		Driver:         sqlstore.Driver(spec.Driver),
		Host:           c.Host,
		Port:           c.Port,
		User:           spec.User,
		Password:       spec.Password,
		Name:           spec.Database,
		SSLMode:        "disable",
		ConnectTimeout: 2 * time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestIntegration_Dialects(t *testing.T) {
	specs := []dbtest.Spec{dbtest.MySQL(), dbtest.Postgres()}

	for _, spec := range specs {
		t.Run(spec.Driver, func(t *testing.T) {
			store := startStore(t, spec)
			ctx := context.Background()

			alice := &model.UserRecord{
				Email:        "alice@example.com",
				PasswordHash: "$2b$04$abcdefghijklmnopqrstuu1234567890123456789012345678901",
				Name:         "Alice",
			}
			require.NoError(t, store.CreateUser(ctx, alice))
			assert.NotEmpty(t, alice.ID)

			got, err := store.FindByEmail(ctx, "alice@example.com")
			require.NoError(t, err)
			assert.Equal(t, alice, got)

			// MySQL compares with a case-insensitive collation; the store
			// must still treat a different case as a different user.
			_, err = store.FindByEmail(ctx, "ALICE@example.com")
			assert.ErrorIs(t, err, apperror.ErrNotFound)

			_, err = store.FindByEmail(ctx, "nobody@example.com")
			assert.ErrorIs(t, err, apperror.ErrNotFound)

			// Migrations are idempotent.
			require.NoError(t, store.Migrate(ctx))

			// Duplicate emails are rejected by the unique index.
			err = store.CreateUser(ctx, &model.UserRecord{
				Email:        "alice@example.com",
				PasswordHash: alice.PasswordHash,
			})
			assert.Error(t, err)
		})
	}
}
