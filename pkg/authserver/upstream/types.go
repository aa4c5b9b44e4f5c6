// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=types.go Client

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// DefaultExpiresIn is used when the provider's token response omits expires_in.
const DefaultExpiresIn int64 = 3600

// Tokens represents the tokens obtained from an upstream identity provider.
type Tokens struct {
	// AccessToken is the access token from the upstream provider.
	AccessToken string

	// RefreshToken is the refresh token from the upstream provider, if one was issued.
	RefreshToken string

	// IDToken is the OpenID Connect ID token, if one was issued.
	IDToken string

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64
}

// Client is the broker's view of the upstream identity provider.
type Client interface {
	// AuthorizationURL returns the provider URL the user agent is redirected to.
	// state correlates the callback; scope is forwarded when non-empty; a
	// non-empty codeVerifier adds an S256 PKCE challenge.
	AuthorizationURL(state, scope, codeVerifier string) string

	// ExchangeCode trades an authorization code for tokens at the token endpoint,
	// using the broker callback URL as redirect_uri.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error)

	// Refresh trades an upstream refresh token for new tokens.
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)

	// FetchJWKS returns the provider's key set from cache.
	FetchJWKS(ctx context.Context) (jwk.Set, error)

	// RefreshJWKS re-fetches the key set, subject to a rate limit, e.g. after
	// seeing a key ID that is not in the cached set.
	RefreshJWKS(ctx context.Context) (jwk.Set, error)

	// Issuer is the expected iss claim of upstream access tokens.
	Issuer() string

	// JWKSURL is the location of the provider's key set.
	JWKSURL() string

	// ClientID is the broker's own client ID at the provider.
	ClientID() string
}

// Endpoints locates the provider.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURL               string
	Issuer                string
}

// Validate checks that every endpoint is set.
func (e Endpoints) Validate() error {
	switch {
	case e.AuthorizationEndpoint == "":
		return fmt.Errorf("upstream authorization endpoint is required")
	case e.TokenEndpoint == "":
		return fmt.Errorf("upstream token endpoint is required")
	case e.JWKSURL == "":
		return fmt.Errorf("upstream JWKS URL is required")
	case e.Issuer == "":
		return fmt.Errorf("upstream issuer is required")
	}
	return nil
}

// CognitoEndpoints derives the endpoints of an Amazon Cognito user pool with a hosted domain.
func CognitoEndpoints(domain, region, userPoolID string) Endpoints {
	hosted := fmt.Sprintf("https://%s.auth.%s.amazoncognito.com", domain, region)
	issuer := fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
	return Endpoints{
		AuthorizationEndpoint: hosted + "/oauth2/authorize",
		TokenEndpoint:         hosted + "/oauth2/token",
		JWKSURL:               issuer + "/.well-known/jwks.json",
		Issuer:                issuer,
	}
}

// Config configures an OAuth2Client.
type Config struct {
	Endpoints

	// ClientID and ClientSecret are the broker's credentials at the provider.
	// When ClientSecret is set it is sent with HTTP Basic authentication.
	ClientID     string
	ClientSecret string

	// RedirectURI is the broker's own callback URL.
	RedirectURI string

	// Timeout bounds each token endpoint call. Defaults to 30 seconds.
	Timeout time.Duration

	// JWKSRefreshInterval is the minimum spacing of forced JWKS refreshes.
	// Defaults to DefaultJWKSRefreshInterval.
	JWKSRefreshInterval time.Duration
}
