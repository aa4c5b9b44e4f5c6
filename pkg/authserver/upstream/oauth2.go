// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-authbroker/pkg/logger"
	"github.com/stacklok/mcp-authbroker/pkg/networking"
)

// DefaultTimeout bounds token endpoint calls when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// OAuth2Client implements Client on top of golang.org/x/oauth2.
type OAuth2Client struct {
	oauth2Config *oauth2.Config
	endpoints    Endpoints
	timeout      time.Duration
	httpClient   *http.Client
	keys         *KeySetCache
}

// Compile-time interface check.
var _ Client = (*OAuth2Client)(nil)

// Option customizes an OAuth2Client.
type Option func(*OAuth2Client)

// WithHTTPClient sets the HTTP client used for token and JWKS requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *OAuth2Client) {
		o.httpClient = c
	}
}

// NewOAuth2Client creates a client for the provider described by cfg.
func NewOAuth2Client(ctx context.Context, cfg Config, opts ...Option) (*OAuth2Client, error) {
	if err := cfg.Endpoints.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		return nil, errors.New("upstream client ID is required")
	}
	if cfg.RedirectURI == "" {
		return nil, errors.New("upstream redirect URI is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Confidential clients authenticate with HTTP Basic; public ones send client_id in the body.
	authStyle := oauth2.AuthStyleInParams
	if cfg.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}

	c := &OAuth2Client{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationEndpoint,
				TokenURL:  cfg.TokenEndpoint,
				AuthStyle: authStyle,
			},
		},
		endpoints:  cfg.Endpoints,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	keys, err := NewKeySetCache(ctx, cfg.JWKSURL, c.httpClient, cfg.JWKSRefreshInterval)
	if err != nil {
		return nil, err
	}
	c.keys = keys

	return c, nil
}

// AuthorizationURL implements Client.
func (c *OAuth2Client) AuthorizationURL(state, scope, codeVerifier string) string {
	opts := []oauth2.AuthCodeOption{}
	if scope != "" {
		opts = append(opts, oauth2.SetAuthURLParam("scope", scope))
	}
	if codeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	}
	return c.oauth2Config.AuthCodeURL(state, opts...)
}

// ExchangeCode implements Client.
func (c *OAuth2Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	tok, err := c.oauth2Config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, c.tokenError("authorization code exchange", err)
	}

	logger.Debugw("upstream code exchange succeeded", "has_refresh_token", tok.RefreshToken != "")
	return toTokens(tok), nil
}

// Refresh implements Client.
func (c *OAuth2Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("upstream refresh token is empty")
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	// Without an access token the source always goes to the token endpoint.
	src := c.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, c.tokenError("token refresh", err)
	}
	return toTokens(tok), nil
}

// FetchJWKS implements Client.
func (c *OAuth2Client) FetchJWKS(ctx context.Context) (jwk.Set, error) {
	return c.keys.FetchJWKS(ctx)
}

// RefreshJWKS implements Client.
func (c *OAuth2Client) RefreshJWKS(ctx context.Context) (jwk.Set, error) {
	return c.keys.RefreshJWKS(ctx)
}

// Issuer implements Client.
func (c *OAuth2Client) Issuer() string {
	return c.endpoints.Issuer
}

// JWKSURL implements Client.
func (c *OAuth2Client) JWKSURL() string {
	return c.endpoints.JWKSURL
}

// ClientID implements Client.
func (c *OAuth2Client) ClientID() string {
	return c.oauth2Config.ClientID
}

func (c *OAuth2Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.timeout)
}

// tokenError converts a token endpoint failure into an HTTPError when the
// provider answered, keeping its status and error code.
func (c *OAuth2Client) tokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		msg := retrieveErr.ErrorCode
		if retrieveErr.ErrorDescription != "" {
			msg = fmt.Sprintf("%s: %s", msg, retrieveErr.ErrorDescription)
		}
		if msg == "" {
			msg = "token endpoint error"
		}
		return fmt.Errorf("upstream %s failed: %w",
			op, networking.NewHTTPError(retrieveErr.Response.StatusCode, c.endpoints.TokenEndpoint, msg))
	}
	return fmt.Errorf("upstream %s failed: %w", op, err)
}

func toTokens(tok *oauth2.Token) *Tokens {
	t := &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}
	if t.ExpiresIn <= 0 && !tok.Expiry.IsZero() {
		t.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	if t.ExpiresIn <= 0 {
		t.ExpiresIn = DefaultExpiresIn
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		t.IDToken = idToken
	}
	return t
}
