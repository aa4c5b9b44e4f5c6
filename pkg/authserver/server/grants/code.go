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

// ErrCodeNotFound is returned for unknown, expired or already redeemed codes.
var ErrCodeNotFound = errors.New("authorization code not found")

// ErrCodeClientMismatch is returned when a code is redeemed by a client it was not issued to.
var ErrCodeClientMismatch = errors.New("authorization code was issued to a different client")

// CodeMapping is what a broker authorization code stands for.
type CodeMapping struct {
	UpstreamAccessToken  string `json:"upstream_access_token"`
	UpstreamRefreshToken string `json:"upstream_refresh_token,omitempty"`
	UpstreamIDToken      string `json:"upstream_id_token,omitempty"`
	ClientID             string `json:"client_id"`
	RedirectURI          string `json:"redirect_uri"`
	Scope                string `json:"scope,omitempty"`
	CodeChallenge        string `json:"code_challenge,omitempty"`
	CodeChallengeMethod  string `json:"code_challenge_method,omitempty"`
	CreatedAt            int64  `json:"created_at"`
	ExpiresIn            int64  `json:"expires_in"`
}

// CodeBroker mints and redeems one-time broker authorization codes.
type CodeBroker struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewCodeBroker creates a CodeBroker. A non-positive ttl uses storage.DefaultAuthCodeTTL.
func NewCodeBroker(store storage.Store, ttl time.Duration) *CodeBroker {
	if ttl <= 0 {
		ttl = storage.DefaultAuthCodeTTL
	}
	return &CodeBroker{store: store, ttl: ttl, now: time.Now}
}

// Mint stores m under a new code and returns the code.
func (b *CodeBroker) Mint(ctx context.Context, m *CodeMapping) (string, error) {
	code := servercrypto.NewSecret()
	m.CreatedAt = b.now().Unix()
	if err := storage.PutJSON(ctx, b.store, storage.EntityCode, code, m, b.ttl); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return code, nil
}

// Peek returns the mapping without consuming it.
func (b *CodeBroker) Peek(ctx context.Context, code string) (*CodeMapping, error) {
	if code == "" {
		return nil, ErrCodeNotFound
	}
	m, err := storage.GetJSON[*CodeMapping](ctx, b.store, storage.EntityCode, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}
	return m, nil
}

// Redeem consumes the code. verify runs against the mapping before the code
// is consumed; when it fails the code stays redeemable by its rightful client.
// After a successful verify exactly one concurrent caller wins, all others
// get ErrCodeNotFound.
func (b *CodeBroker) Redeem(ctx context.Context, code, clientID string, verify func(*CodeMapping) error) (*CodeMapping, error) {
	m, err := b.Peek(ctx, code)
	if err != nil {
		return nil, err
	}
	if m.ClientID != clientID {
		return nil, ErrCodeClientMismatch
	}
	if verify != nil {
		if err := verify(m); err != nil {
			return nil, err
		}
	}

	taken, err := storage.TakeJSON[*CodeMapping](ctx, b.store, storage.EntityCode, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	return taken, nil
}
