// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens mints broker access tokens and validates bearer tokens,
// whether they were issued by the broker or directly by the upstream provider.
package tokens

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// BrokerKeyIDPrefix marks a key ID as belonging to the broker.
	BrokerKeyIDPrefix = "mcp-"

	// DefaultKeyID identifies the broker's signing secret.
	DefaultKeyID = "mcp-1"

	// Audience is the aud claim of every broker token.
	Audience = "mcp-server"

	// DefaultExpiresIn is used when the upstream grant carries no lifetime.
	DefaultExpiresIn int64 = 3600
)

// Claims are the claims of a broker access token. Resource servers that
// re-validate the embedded provider token look for it under cognito_token.
type Claims struct {
	jwt.RegisteredClaims
	Scope         string `json:"scope,omitempty"`
	UpstreamToken string `json:"cognito_token,omitempty"`
	KeyID         string `json:"kid"`
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	// Issuer is the iss claim, the broker's public base URL.
	Issuer string

	// Secret is the HS256 signing secret.
	Secret []byte

	// KeyID is written to the token header and kid claim. Defaults to DefaultKeyID.
	KeyID string
}

// Issuer mints signed broker access tokens.
type Issuer struct {
	issuer string
	secret []byte
	keyID  string
	now    func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	keyID := cfg.KeyID
	if keyID == "" {
		keyID = DefaultKeyID
	}
	if !strings.HasPrefix(keyID, BrokerKeyIDPrefix) {
		return nil, fmt.Errorf("key ID %q must start with %q", keyID, BrokerKeyIDPrefix)
	}
	return &Issuer{issuer: cfg.Issuer, secret: cfg.Secret, keyID: keyID, now: time.Now}, nil
}

// Issue returns a token for clientID valid for expiresIn seconds that embeds
// the upstream access token it was derived from.
func (i *Issuer) Issue(clientID, scope, upstreamToken string, expiresIn int64) (string, error) {
	if expiresIn <= 0 {
		expiresIn = DefaultExpiresIn
	}
	now := i.now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expiresIn) * time.Second)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scope:         scope,
		UpstreamToken: upstreamToken,
		KeyID:         i.keyID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = i.keyID

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}
