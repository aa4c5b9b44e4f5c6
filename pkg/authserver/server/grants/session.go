// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grants holds the broker's short-lived protocol state: in-flight
// authorization sessions, one-time authorization codes and refresh tokens,
// each mapped to the upstream tokens they stand for.
package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	servercrypto "github.com/stacklok/mcp-authbroker/pkg/authserver/server/crypto"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/storage"
)

// ErrSessionNotFound is returned for unknown, expired or already consumed sessions.
var ErrSessionNotFound = errors.New("authorization session not found")

// Session is an authorization request waiting for the upstream provider to call back.
// SessionID doubles as the upstream state parameter.
type Session struct {
	SessionID           string `json:"session_id"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Scope               string `json:"scope,omitempty"`
	UpstreamVerifier    string `json:"upstream_verifier,omitempty"`
	CreatedAt           int64  `json:"created_at"`
}

// SessionStore persists sessions for the duration of the upstream login.
type SessionStore struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionStore creates a SessionStore. A non-positive ttl uses storage.DefaultSessionTTL.
func NewSessionStore(store storage.Store, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = storage.DefaultSessionTTL
	}
	return &SessionStore{store: store, ttl: ttl, now: time.Now}
}

// Create assigns a fresh session ID and creation time to s and persists it.
func (s *SessionStore) Create(ctx context.Context, sess *Session) error {
	sess.SessionID = servercrypto.NewSessionID()
	sess.CreatedAt = s.now().Unix()
	if err := storage.PutJSON(ctx, s.store, storage.EntitySession, sess.SessionID, sess, s.ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Consume returns the session and removes it so that a replayed callback
// cannot resolve it again.
func (s *SessionStore) Consume(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := storage.TakeJSON[*Session](ctx, s.store, storage.EntitySession, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}
