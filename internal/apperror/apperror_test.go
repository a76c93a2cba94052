package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIs(t *testing.T) {
	dbDown := errors.New("dial tcp 127.0.0.1:3306: connect: connection refused")

	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "NotFound wraps ErrNotFound",
			err:       NotFound("user", ""),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "InvalidGrant wraps ErrInvalidGrant",
			err:       InvalidGrant(),
			target:    ErrInvalidGrant,
			wantMatch: true,
		},
		{
			name:      "UnsupportedGrantType wraps its sentinel",
			err:       UnsupportedGrantType("client_credentials"),
			target:    ErrUnsupportedGrantType,
			wantMatch: true,
		},
		{
			name:      "StorageUnavailable wraps ErrUnavailable",
			err:       StorageUnavailable(dbDown),
			target:    ErrUnavailable,
			wantMatch: true,
		},
		{
			name:      "StorageUnavailable also exposes the cause",
			err:       StorageUnavailable(dbDown),
			target:    dbDown,
			wantMatch: true,
		},
		{
			name:      "Overloaded wraps ErrUnavailable",
			err:       Overloaded(context.DeadlineExceeded),
			target:    ErrUnavailable,
			wantMatch: true,
		},
		{
			name:      "wrapped with fmt.Errorf still matches",
			err:       fmt.Errorf("service/auth: verifying: %w", InvalidGrant()),
			target:    ErrInvalidGrant,
			wantMatch: true,
		},
		{
			name:      "InvalidGrant does NOT match ErrUnavailable",
			err:       InvalidGrant(),
			target:    ErrUnavailable,
			wantMatch: false,
		},
		{
			name:      "NotFound does NOT match ErrInvalidGrant",
			err:       NotFound("user", ""),
			target:    ErrInvalidGrant,
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "NotFound without key",
			err:         NotFound("user", ""),
			wantMessage: "user not found",
		},
		{
			name:        "NotFound with key",
			err:         NotFound("client", "web"),
			wantMessage: "client not found with key web",
		},
		{
			name:        "UnsupportedGrantType names the grant",
			err:         UnsupportedGrantType("client_credentials"),
			wantMessage: `grant type "client_credentials" is not supported`,
		},
		{
			name:        "StorageUnavailable appends the cause",
			err:         StorageUnavailable(errors.New("i/o timeout")),
			wantMessage: "user store unavailable: i/o timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestErrorsAs(t *testing.T) {
	var wrapped error = fmt.Errorf("outer: %w", Configuration("HS256_KEY", "signing secret is required"))

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("errors.As() did not find *AppError")
	}
	if appErr.Field != "HS256_KEY" {
		t.Errorf("Field = %q, want %q", appErr.Field, "HS256_KEY")
	}
	if !errors.Is(wrapped, ErrConfiguration) {
		t.Error("errors.Is(wrapped, ErrConfiguration) = false, want true")
	}
}
