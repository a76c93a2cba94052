// Package repository declares the storage interfaces the service layer
// depends on. Implementations live in sub-packages (sqlstore).
package repository

import (
	"context"

	"github.com/sakif/synaps-idp/internal/model"
)

// UserRepository is the read side used on every token request.
type UserRepository interface {
	// FindByEmail returns the record whose email matches exactly (no case
	// folding). A missing row is reported as apperror.ErrNotFound; any other
	// error means the store could not answer.
	FindByEmail(ctx context.Context, email string) (*model.UserRecord, error)
}

// UserWriter is only used by the operator CLI to seed development databases.
type UserWriter interface {
	CreateUser(ctx context.Context, user *model.UserRecord) error
}
