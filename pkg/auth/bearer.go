// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrAuthHeaderMissing is returned when the request has no Authorization header.
	ErrAuthHeaderMissing = errors.New("authorization header required")

	// ErrInvalidAuthHeaderFormat is returned when the Authorization header is not a Bearer credential.
	ErrInvalidAuthHeaderFormat = errors.New("invalid authorization header format")

	// ErrEmptyBearerToken is returned when the Bearer credential is empty.
	ErrEmptyBearerToken = errors.New("empty bearer token")
)

const bearerPrefix = "Bearer "

// ExtractBearerToken returns the token of a "Bearer <token>" Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrAuthHeaderMissing
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrInvalidAuthHeaderFormat
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return "", ErrEmptyBearerToken
	}
	return token, nil
}
