// Package apperror defines the error taxonomy shared by the service and HTTP
// layers.
//
// Services return *AppError values wrapping one of the sentinels below.
// The handler package maps sentinels to OAuth error codes and HTTP statuses
// with errors.Is, so nothing outside this package needs to know the concrete
// type.
//
// Message is safe to log. It is NOT sent to clients: token endpoint bodies
// only ever carry the OAuth error code.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation error")
	ErrInvalidGrant         = errors.New("invalid grant")
	ErrUnsupportedGrantType = errors.New("unsupported grant type")
	ErrInvalidClient        = errors.New("invalid client")
	ErrInvalidToken         = errors.New("invalid token")
	ErrRateLimited          = errors.New("rate limited")
	ErrUnavailable          = errors.New("unavailable")
	ErrConfiguration        = errors.New("configuration error")
)

type AppError struct {
	Err     error  // sentinel, one of the Err* values above
	Message string // human-readable, for logs
	Field   string // optional: field causing the error
	Cause   error  // optional: underlying infrastructure error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// NotFound is returned by repositories when a lookup matches no row.
// key is deliberately left out of the message when it is an email address,
// callers pass "" in that case.
func NotFound(resource, key string) *AppError {
	msg := resource + " not found"
	if key != "" {
		msg = fmt.Sprintf("%s not found with key %s", resource, key)
	}
	return &AppError{
		Err:     ErrNotFound,
		Message: msg,
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// InvalidGrant covers every credential failure: unknown user, wrong password,
// unverifiable hash. One message for all of them.
func InvalidGrant() *AppError {
	return &AppError{
		Err:     ErrInvalidGrant,
		Message: "invalid credentials",
	}
}

func UnsupportedGrantType(grantType string) *AppError {
	return &AppError{
		Err:     ErrUnsupportedGrantType,
		Message: fmt.Sprintf("grant type %q is not supported", grantType),
		Field:   "grant_type",
	}
}

func InvalidClient(message string) *AppError {
	return &AppError{
		Err:     ErrInvalidClient,
		Message: message,
	}
}

func InvalidToken(cause error) *AppError {
	return &AppError{
		Err:     ErrInvalidToken,
		Message: "invalid bearer token",
		Cause:   cause,
	}
}

func RateLimited() *AppError {
	return &AppError{
		Err:     ErrRateLimited,
		Message: "too many failed attempts",
	}
}

// StorageUnavailable wraps a connection, timeout or driver error from the
// user store. HTTP handlers map this to 503.
func StorageUnavailable(cause error) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: "user store unavailable",
		Cause:   cause,
	}
}

// Overloaded means the request gave up waiting for a password verification
// slot. It maps to 503 like StorageUnavailable.
func Overloaded(cause error) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: "password verification capacity exhausted",
		Cause:   cause,
	}
}

// Configuration reports a missing or invalid setting. It is only produced at
// startup, and main exits on it.
func Configuration(field, message string) *AppError {
	return &AppError{
		Err:     ErrConfiguration,
		Message: message,
		Field:   field,
	}
}
