// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth provides bearer token authentication for HTTP handlers.
package auth

import (
	"context"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/tokens"
)

// IdentityContextKey is the key used to store the validated identity in the request context.
type IdentityContextKey struct{}

// WithIdentity stores an identity in the context.
// If identity is nil, the original context is returned unchanged.
func WithIdentity(ctx context.Context, identity *tokens.Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves the identity stored by the authentication middleware.
//
// Example:
//
//	identity, ok := IdentityFromContext(r.Context())
//	if !ok {
//	    return errors.New("no authenticated identity")
//	}
func IdentityFromContext(ctx context.Context) (*tokens.Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*tokens.Identity)
	return identity, ok
}
