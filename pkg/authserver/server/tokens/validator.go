// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/mcp-authbroker/pkg/logger"
)

// ErrInvalidToken is the only error Validate returns. The wrapped detail is
// meant for logs and never for the caller.
var ErrInvalidToken = errors.New("invalid token")

// Kind tells which party issued a validated token.
type Kind string

const (
	// KindBroker is a token signed by the broker.
	KindBroker Kind = "broker"

	// KindUpstream is an access token issued by the upstream provider.
	KindUpstream Kind = "upstream"
)

// KeySource provides the upstream provider's signing keys.
type KeySource interface {
	FetchJWKS(ctx context.Context) (jwk.Set, error)
	RefreshJWKS(ctx context.Context) (jwk.Set, error)
}

// Identity is the outcome of a successful validation.
type Identity struct {
	Kind    Kind
	Subject string
	Issuer  string
	Scope   string

	// ClientID is the broker client for broker tokens and the upstream client
	// for upstream tokens.
	ClientID string

	// Upstream is the validated embedded upstream token of a broker token.
	Upstream *Identity
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Secret verifies broker tokens.
	Secret []byte

	// Issuer, when set, is the required iss of broker tokens.
	Issuer string

	// UpstreamIssuer is the required iss of upstream tokens.
	UpstreamIssuer string

	// UpstreamClientID is the required client_id claim of upstream tokens.
	UpstreamClientID string

	// Keys provides the upstream signing keys.
	Keys KeySource
}

// Validator validates bearer tokens.
type Validator struct {
	secret           []byte
	issuer           string
	upstreamIssuer   string
	upstreamClientID string
	keys             KeySource
}

// NewValidator creates a Validator.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	if cfg.UpstreamIssuer == "" {
		return nil, errors.New("upstream issuer is required")
	}
	if cfg.UpstreamClientID == "" {
		return nil, errors.New("upstream client ID is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("upstream key source is required")
	}
	return &Validator{
		secret:           cfg.Secret,
		issuer:           cfg.Issuer,
		upstreamIssuer:   cfg.UpstreamIssuer,
		upstreamClientID: cfg.UpstreamClientID,
		keys:             cfg.Keys,
	}, nil
}

// Validate dispatches on the token's key ID: broker key IDs are verified with
// the shared secret, anything else against the upstream key set. A broker
// token that embeds an upstream token is only valid if that token is too.
func (v *Validator) Validate(ctx context.Context, raw string) (*Identity, error) {
	kid, err := keyID(raw)
	if err != nil {
		return nil, invalid(err)
	}
	if strings.HasPrefix(kid, BrokerKeyIDPrefix) {
		return v.validateBroker(ctx, raw)
	}
	return v.validateUpstream(ctx, raw)
}

func keyID(raw string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("malformed token: %w", err)
	}
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return "", errors.New("token header missing kid")
	}
	return kid, nil
}

func (v *Validator) validateBroker(ctx context.Context, raw string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return nil, invalid(fmt.Errorf("broker token: %w", err))
	}

	id := &Identity{
		Kind:     KindBroker,
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Scope:    claims.Scope,
		ClientID: claims.Subject,
	}

	if claims.UpstreamToken != "" {
		upstreamID, err := v.validateUpstream(ctx, claims.UpstreamToken)
		if err != nil {
			return nil, err
		}
		id.Upstream = upstreamID
	}
	return id, nil
}

func (v *Validator) validateUpstream(ctx context.Context, raw string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return v.upstreamKey(ctx, token)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.upstreamIssuer),
		jwt.WithExpirationRequired(),
	); err != nil {
		return nil, invalid(fmt.Errorf("upstream token: %w", err))
	}

	if use, _ := claims["token_use"].(string); use != "access" {
		return nil, invalid(fmt.Errorf("upstream token: token_use is %q", use))
	}
	clientID, _ := claims["client_id"].(string)
	if clientID != v.upstreamClientID {
		return nil, invalid(fmt.Errorf("upstream token: unexpected client_id %q", clientID))
	}

	sub, _ := claims.GetSubject()
	iss, _ := claims.GetIssuer()
	scope, _ := claims["scope"].(string)
	return &Identity{
		Kind:     KindUpstream,
		Subject:  sub,
		Issuer:   iss,
		Scope:    scope,
		ClientID: clientID,
	}, nil
}

// upstreamKey finds the verification key for token. An unknown key ID
// triggers one rate-limited refresh of the key set to pick up rotations.
func (v *Validator) upstreamKey(ctx context.Context, token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)

	set, err := v.keys.FetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	key, found := set.LookupKeyID(kid)
	if !found {
		set, err = v.keys.RefreshJWKS(ctx)
		if err != nil {
			return nil, fmt.Errorf("key ID %s not found in JWKS: %w", kid, err)
		}
		if key, found = set.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	pub, ok := rawKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key ID %s is not an RSA public key", kid)
	}
	return pub, nil
}

func invalid(err error) error {
	logger.Debugw("token validation failed", "error", err)
	return fmt.Errorf("%w: %w", ErrInvalidToken, err)
}
