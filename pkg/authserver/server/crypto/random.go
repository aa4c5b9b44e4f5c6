// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// secretBytes is the entropy of generated secrets and tokens (256 bits).
const secretBytes = 32

// NewClientID returns a random (version 4) UUID for a newly registered client.
func NewClientID() string {
	return uuid.NewString()
}

// NewSecret returns 256 bits from crypto/rand, base64url encoded without padding.
// It is used for client secrets, broker authorization codes and broker refresh tokens.
func NewSecret() string {
	b := make([]byte, secretBytes)
	// crypto/rand.Read never returns an error; it crashes the program irrecoverably instead.
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewSessionID returns an opaque identifier suitable for use as the upstream state parameter.
func NewSessionID() string {
	return rand.Text()
}
