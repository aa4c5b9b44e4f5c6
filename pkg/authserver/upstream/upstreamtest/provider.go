// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstreamtest provides an in-process identity provider for tests.
package upstreamtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/upstream"
)

// Default identifiers used by Provider.
const (
	DefaultKeyID        = "upstream-key-1"
	DefaultClientID     = "upstream-client"
	DefaultClientSecret = "upstream-secret"
)

// Provider is a minimal OAuth 2.0 provider serving authorize, token and JWKS
// endpoints. Access tokens are RS256 JWTs shaped like Cognito access tokens.
type Provider struct {
	Server       *httptest.Server
	Key          *rsa.PrivateKey
	KeyID        string
	ClientID     string
	ClientSecret string

	// AccessTokenTTL is the lifetime of issued access tokens.
	AccessTokenTTL time.Duration

	mu            sync.Mutex
	rotate        bool
	omitRefresh   bool
	tokenStatus   int
	challenges    map[string]string
	refreshTokens map[string]bool
	tokenRequests []url.Values
	jwksHits      int
}

// NewProvider starts a provider that is closed when the test ends.
func NewProvider(t testing.TB) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	p := &Provider{
		Key:            key,
		KeyID:          DefaultKeyID,
		ClientID:       DefaultClientID,
		ClientSecret:   DefaultClientSecret,
		AccessTokenTTL: time.Hour,
		challenges:     make(map[string]string),
		refreshTokens:  make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/authorize", p.handleAuthorize)
	mux.HandleFunc("/oauth2/token", p.handleToken)
	mux.HandleFunc("/.well-known/jwks.json", p.handleJWKS)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer returns the iss claim of issued access tokens.
func (p *Provider) Issuer() string {
	return p.Server.URL
}

// Endpoints returns the provider's endpoints.
func (p *Provider) Endpoints() upstream.Endpoints {
	return upstream.Endpoints{
		AuthorizationEndpoint: p.Server.URL + "/oauth2/authorize",
		TokenEndpoint:         p.Server.URL + "/oauth2/token",
		JWKSURL:               p.Server.URL + "/.well-known/jwks.json",
		Issuer:                p.Issuer(),
	}
}

// TokenRequests returns the form bodies received by the token endpoint.
func (p *Provider) TokenRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.tokenRequests...)
}

// JWKSHits returns how many times the key set was fetched.
func (p *Provider) JWKSHits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jwksHits
}

// AddCode registers an authorization code that was issued with the given
// PKCE challenge. An empty challenge means no PKCE.
func (p *Provider) AddCode(code, challenge string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenges[code] = challenge
}

// AccessToken signs an access token with the given claim overrides applied
// on top of valid defaults. A nil value deletes the claim.
func (p *Provider) AccessToken(t testing.TB, overrides jwt.MapClaims) string {
	t.Helper()
	p.mu.Lock()
	kid := p.KeyID
	p.mu.Unlock()

	signed, err := p.signAccessToken(kid, overrides)
	if err != nil {
		t.Fatalf("failed to sign access token: %v", err)
	}
	return signed
}

func (p *Provider) signAccessToken(kid string, overrides jwt.MapClaims) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       p.Issuer(),
		"sub":       uuid.NewString(),
		"client_id": p.ClientID,
		"token_use": "access",
		"scope":     "openid email",
		"iat":       now.Unix(),
		"exp":       now.Add(p.AccessTokenTTL).Unix(),
		"jti":       uuid.NewString(),
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(p.Key)
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != p.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}

	code := uuid.NewString()
	p.AddCode(code, q.Get("code_challenge"))

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	params := redirect.Query()
	params.Set("code", code)
	params.Set("state", q.Get("state"))
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenRequests = append(p.tokenRequests, r.PostForm)

	if p.tokenStatus != 0 {
		writeTokenError(w, p.tokenStatus, "temporarily_unavailable")
		return
	}

	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if id != p.ClientID || secret != p.ClientSecret {
		writeTokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	var refreshToken string
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		challenge, found := p.challenges[code]
		if !found {
			writeTokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		delete(p.challenges, code)
		if challenge != "" && oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
			writeTokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		if !p.omitRefresh {
			refreshToken = uuid.NewString()
			p.refreshTokens[refreshToken] = true
		}
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		if !p.refreshTokens[rt] {
			writeTokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		if p.rotate {
			delete(p.refreshTokens, rt)
			refreshToken = uuid.NewString()
			p.refreshTokens[refreshToken] = true
		}
	default:
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	accessToken, err := p.signAccessToken(p.KeyID, nil)
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := map[string]any{
		"access_token": accessToken,
		"id_token":     "id." + uuid.NewString(),
		"token_type":   "Bearer",
		"expires_in":   int64(p.AccessTokenTTL.Seconds()),
	}
	if refreshToken != "" {
		resp["refresh_token"] = refreshToken
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	p.jwksHits++
	kid := p.KeyID
	p.mu.Unlock()

	key, err := jwk.Import(&p.Key.PublicKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = key.Set(jwk.KeyIDKey, kid)
	_ = key.Set(jwk.KeyUsageKey, "sig")

	set := jwk.NewSet()
	_ = set.AddKey(key)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// SetRotateRefreshTokens makes refresh_token grants return a new refresh token.
func (p *Provider) SetRotateRefreshTokens(rotate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotate = rotate
}

// SetOmitRefreshToken makes code exchanges return no refresh token.
func (p *Provider) SetOmitRefreshToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefresh = omit
}

// SetTokenStatus makes the token endpoint fail with status. Zero restores normal behavior.
func (p *Provider) SetTokenStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
}

// SetKeyID changes the key ID used for new tokens and for the served key set,
// simulating a key rotation.
func (p *Provider) SetKeyID(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.KeyID = kid
}

func writeTokenError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
