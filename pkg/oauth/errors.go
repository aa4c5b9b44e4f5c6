// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/mcp-authbroker/pkg/logger"
)

// ErrorCode is a single ASCII error code as defined by RFC 6749 Section 5.2,
// RFC 7591 Section 3.2.2 and RFC 6750 Section 3.1.
type ErrorCode string

// Error codes returned by the broker endpoints.
const (
	// ErrorInvalidRequest indicates malformed or missing parameters.
	ErrorInvalidRequest ErrorCode = "invalid_request"

	// ErrorInvalidClient indicates the client is unknown.
	ErrorInvalidClient ErrorCode = "invalid_client"

	// ErrorInvalidRedirectURI indicates a redirect URI that is not allowed or not registered.
	ErrorInvalidRedirectURI ErrorCode = "invalid_redirect_uri"

	// ErrorInvalidClientMetadata indicates a registration request with invalid metadata.
	ErrorInvalidClientMetadata ErrorCode = "invalid_client_metadata"

	// ErrorInvalidState indicates an unknown or expired authorization session.
	ErrorInvalidState ErrorCode = "invalid_state"

	// ErrorInvalidGrant indicates a bad, expired or mismatched code or refresh token,
	// or a failed PKCE verification.
	ErrorInvalidGrant ErrorCode = "invalid_grant"

	// ErrorUnauthorizedClient indicates a client that did not register the requested grant type.
	ErrorUnauthorizedClient ErrorCode = "unauthorized_client"

	// ErrorUnsupportedGrantType indicates a grant type the token endpoint does not handle.
	ErrorUnsupportedGrantType ErrorCode = "unsupported_grant_type"

	// ErrorInvalidToken indicates a bearer token that failed validation.
	ErrorInvalidToken ErrorCode = "invalid_token"

	// ErrorServerError indicates an upstream or internal failure.
	ErrorServerError ErrorCode = "server_error"

	// ErrorTemporarilyUnavailable indicates the request was rejected by a rate limit.
	ErrorTemporarilyUnavailable ErrorCode = "temporarily_unavailable"
)

// Status returns the HTTP status code used when responding with this error code.
func (c ErrorCode) Status() int {
	switch c {
	case ErrorInvalidClient, ErrorInvalidToken:
		return http.StatusUnauthorized
	case ErrorServerError:
		return http.StatusInternalServerError
	case ErrorTemporarilyUnavailable:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// Error is an OAuth error carrying a taxonomy code, a description that is safe
// to return to the caller, and an optional internal cause that is only logged.
type Error struct {
	// Code is the OAuth error code.
	Code ErrorCode

	// Description is the human-readable error_description returned to the caller.
	Description string

	// Cause is the underlying error. It is never serialized.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status code for the error.
func (e *Error) Status() int {
	return e.Code.Status()
}

// WithCause returns a copy of the error with the given internal cause attached.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Code: e.Code, Description: e.Description, Cause: cause}
}

// NewError creates a new OAuth error.
func NewError(code ErrorCode, description string) *Error {
	return &Error{Code: code, Description: description}
}

// InvalidRequest creates an invalid_request error.
func InvalidRequest(description string) *Error {
	return NewError(ErrorInvalidRequest, description)
}

// InvalidClient creates an invalid_client error.
func InvalidClient(description string) *Error {
	return NewError(ErrorInvalidClient, description)
}

// InvalidRedirectURI creates an invalid_redirect_uri error.
func InvalidRedirectURI(description string) *Error {
	return NewError(ErrorInvalidRedirectURI, description)
}

// InvalidClientMetadata creates an invalid_client_metadata error.
func InvalidClientMetadata(description string) *Error {
	return NewError(ErrorInvalidClientMetadata, description)
}

// InvalidState creates an invalid_state error.
func InvalidState(description string) *Error {
	return NewError(ErrorInvalidState, description)
}

// InvalidGrant creates an invalid_grant error.
func InvalidGrant(description string) *Error {
	return NewError(ErrorInvalidGrant, description)
}

// UnauthorizedClient creates an unauthorized_client error.
func UnauthorizedClient(description string) *Error {
	return NewError(ErrorUnauthorizedClient, description)
}

// UnsupportedGrantType creates an unsupported_grant_type error.
func UnsupportedGrantType(description string) *Error {
	return NewError(ErrorUnsupportedGrantType, description)
}

// InvalidToken creates an invalid_token error.
func InvalidToken(description string) *Error {
	return NewError(ErrorInvalidToken, description)
}

// ServerError creates a server_error error.
func ServerError(description string) *Error {
	return NewError(ErrorServerError, description)
}

// TemporarilyUnavailable creates a temporarily_unavailable error.
func TemporarilyUnavailable(description string) *Error {
	return NewError(ErrorTemporarilyUnavailable, description)
}

// AsError extracts an *Error from err. Errors that are not OAuth errors are
// reported as server_error with a generic description.
func AsError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ServerError("internal server error").WithCause(err)
}

// IsCode reports whether err is an OAuth error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		return false
	}
	return oauthErr.Code == code
}

// ErrorResponse is the JSON body of an OAuth error response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteError writes err as a JSON OAuth error response. The cause, if any, is
// never written to the response.
func WriteError(w http.ResponseWriter, err error) {
	oauthErr := AsError(err)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(oauthErr.Status())
	// Headers are already written at this point; an encode failure is only worth a log line.
	if encErr := json.NewEncoder(w).Encode(ErrorResponse{
		Error:            string(oauthErr.Code),
		ErrorDescription: oauthErr.Description,
	}); encErr != nil {
		logger.Debugw("failed to encode OAuth error response", "error", encErr)
	}
}
