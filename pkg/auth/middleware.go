// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/tokens"
	"github.com/stacklok/mcp-authbroker/pkg/logger"
	"github.com/stacklok/mcp-authbroker/pkg/oauth"
)

// TokenValidator validates a raw bearer token.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*tokens.Identity, error)
}

// TokenMiddleware creates an HTTP middleware that rejects requests without a
// valid bearer token. Every rejection is the same invalid_token response; the
// reason is only logged. realm is advertised in WWW-Authenticate.
func TokenMiddleware(validator TokenValidator, realm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := ExtractBearerToken(r)
			if err != nil {
				logger.Debugw("rejecting request without bearer token", "path", r.URL.Path, "error", err)
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(realm, false))
				oauth.WriteError(w, oauth.InvalidToken("missing or malformed bearer token"))
				return
			}

			identity, err := validator.Validate(r.Context(), raw)
			if err != nil {
				logger.Debugw("rejecting request with invalid bearer token", "path", r.URL.Path, "error", err)
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(realm, true))
				oauth.WriteError(w, oauth.InvalidToken("the access token is invalid"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// buildWWWAuthenticate builds a RFC 6750 value for the WWW-Authenticate header.
// If includeError is true, it appends error="invalid_token".
func buildWWWAuthenticate(realm string, includeError bool) string {
	var parts []string
	if realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, EscapeQuotes(realm)))
	}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// EscapeQuotes escapes quotes in a string for use in a quoted-string context.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
