// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	servercrypto "github.com/stacklok/mcp-authbroker/pkg/authserver/server/crypto"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/storage"
)

// ErrRefreshTokenNotFound is returned for unknown or expired refresh tokens.
var ErrRefreshTokenNotFound = errors.New("refresh token not found")

// ErrRefreshClientMismatch is returned when a refresh token is presented by a client it was not issued to.
var ErrRefreshClientMismatch = errors.New("refresh token was issued to a different client")

// RefreshMapping is what a broker refresh token stands for.
type RefreshMapping struct {
	ClientID             string `json:"client_id"`
	UpstreamRefreshToken string `json:"upstream_refresh_token"`
	Scope                string `json:"scope,omitempty"`
	CreatedAt            int64  `json:"created_at"`
	UpdatedAt            int64  `json:"updated_at,omitempty"`
}

// RefreshBroker issues broker refresh tokens and keeps their upstream
// counterparts current. The broker token itself is stable; every update
// renews its TTL.
type RefreshBroker struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewRefreshBroker creates a RefreshBroker. A non-positive ttl uses storage.DefaultRefreshTokenTTL.
func NewRefreshBroker(store storage.Store, ttl time.Duration) *RefreshBroker {
	if ttl <= 0 {
		ttl = storage.DefaultRefreshTokenTTL
	}
	return &RefreshBroker{store: store, ttl: ttl, now: time.Now}
}

// Issue stores a new mapping and returns the broker refresh token.
func (b *RefreshBroker) Issue(ctx context.Context, clientID, upstreamRefreshToken, scope string) (string, error) {
	token := servercrypto.NewSecret()
	m := &RefreshMapping{
		ClientID:             clientID,
		UpstreamRefreshToken: upstreamRefreshToken,
		Scope:                scope,
		CreatedAt:            b.now().Unix(),
	}
	if err := storage.PutJSON(ctx, b.store, storage.EntityRefreshToken, token, m, b.ttl); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return token, nil
}

// Lookup returns the mapping after checking that it belongs to clientID.
func (b *RefreshBroker) Lookup(ctx context.Context, token, clientID string) (*RefreshMapping, error) {
	if token == "" {
		return nil, ErrRefreshTokenNotFound
	}
	m, err := storage.GetJSON[*RefreshMapping](ctx, b.store, storage.EntityRefreshToken, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if m.ClientID != clientID {
		return nil, ErrRefreshClientMismatch
	}
	return m, nil
}

// Rotate records a new upstream refresh token for token and renews its TTL.
func (b *RefreshBroker) Rotate(ctx context.Context, token string, m *RefreshMapping, upstreamRefreshToken string) error {
	m.UpstreamRefreshToken = upstreamRefreshToken
	m.UpdatedAt = b.now().Unix()
	if err := storage.UpdateJSON(ctx, b.store, storage.EntityRefreshToken, token, m, b.ttl); err != nil {
		return fmt.Errorf("failed to update refresh token: %w", err)
	}
	return nil
}
