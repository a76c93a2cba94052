package handler

// RESPONSE HELPERS:
// Every JSON body leaves through writeJSON, and every failure through
// writeOAuthError.
//
// OAUTH ERROR FORMAT (RFC 6749 section 5.2):
// Error bodies carry the error code and nothing else:
//
//	{"error": "invalid_grant"}
//
// No message, no description. Messages in this codebase are written for
// operators (they can name the database host or the hash scheme) and end
// up in the logs instead.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/synaps-idp/internal/apperror"
)

// OAuth error codes.
const (
	codeInvalidRequest         = "invalid_request"
	codeInvalidClient          = "invalid_client"
	codeInvalidGrant           = "invalid_grant"
	codeUnsupportedGrantType   = "unsupported_grant_type"
	codeInvalidToken           = "invalid_token"
	codeSlowDown               = "slow_down"
	codeTemporarilyUnavailable = "temporarily_unavailable"
	codeServerError            = "server_error"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status must be set before the body is written. Once Encode
// writes, any header change is silently ignored.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorStatus maps a domain error to an HTTP status and an OAuth error code.
//
// errors.Is walks the whole chain, so a service wrapping an AppError with
// fmt.Errorf("...: %w", err) still maps correctly.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrUnsupportedGrantType):
		return http.StatusBadRequest, codeUnsupportedGrantType
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, apperror.ErrInvalidClient):
		return http.StatusUnauthorized, codeInvalidClient
	case errors.Is(err, apperror.ErrInvalidGrant):
		return http.StatusUnauthorized, codeInvalidGrant
	case errors.Is(err, apperror.ErrInvalidToken):
		return http.StatusUnauthorized, codeInvalidToken
	case errors.Is(err, apperror.ErrRateLimited):
		return http.StatusTooManyRequests, codeSlowDown
	case errors.Is(err, apperror.ErrUnavailable):
		return http.StatusServiceUnavailable, codeTemporarilyUnavailable
	}
	return http.StatusInternalServerError, codeServerError
}

// writeOAuthError logs err and sends the matching OAuth error body.
func writeOAuthError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := errorStatus(err)

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("token request failed",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	default:
		logger.Info("token request rejected",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}

	if code == codeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	writeJSON(w, status, ErrorResponse{Error: code})
}
