// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	servercrypto "github.com/stacklok/mcp-authbroker/pkg/authserver/server/crypto"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/grants"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/registration"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/tokens"
	"github.com/stacklok/mcp-authbroker/pkg/logger"
	"github.com/stacklok/mcp-authbroker/pkg/oauth"
)

// maxTokenBodySize bounds form-encoded token requests.
const maxTokenBodySize = 64 * 1024

// TokenResponse is the RFC 6749 Section 5.1 token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenHandler handles POST /token requests.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxTokenBodySize)
	if err := req.ParseForm(); err != nil {
		h.writeError(w, "token", oauth.InvalidRequest("malformed form body").WithCause(err))
		return
	}

	clientID, err := h.authenticateClient(req)
	if err != nil {
		h.writeError(w, "token", err)
		return
	}

	var resp *TokenResponse
	grantType := req.PostForm.Get("grant_type")
	switch grantType {
	case oauth.GrantTypeAuthorizationCode:
		resp, err = h.authorizationCodeGrant(req, clientID)
	case oauth.GrantTypeRefreshToken:
		resp, err = h.refreshTokenGrant(req, clientID)
	case "":
		err = oauth.InvalidRequest("grant_type is required")
	default:
		err = oauth.UnsupportedGrantType("unsupported grant_type")
	}
	if err != nil {
		h.writeError(w, "token", err)
		return
	}

	h.metrics.RecordTokenIssued(grantType)
	logger.Debugw("issued access token", "client_id", clientID, "grant_type", grantType)
	writeJSON(w, http.StatusOK, resp)
}

// authenticateClient returns the requesting client ID. Credentials are
// optional, but when presented through HTTP Basic or client_secret they must
// be valid.
func (h *Handler) authenticateClient(req *http.Request) (string, error) {
	formID := req.PostForm.Get("client_id")
	clientID, secret, basic := basicCredentials(req)
	if basic {
		if formID != "" && formID != clientID {
			return "", oauth.InvalidRequest("client_id does not match the authenticated client")
		}
	} else {
		clientID, secret = formID, req.PostForm.Get("client_secret")
	}

	if clientID == "" {
		return "", oauth.InvalidRequest("client_id is required")
	}
	if secret == "" && !basic {
		return clientID, nil
	}

	if _, err := h.clients.Authenticate(req.Context(), clientID, secret); err != nil {
		if errors.Is(err, registration.ErrClientNotFound) || errors.Is(err, registration.ErrInvalidClientSecret) {
			return "", oauth.InvalidClient("client authentication failed").WithCause(err)
		}
		return "", oauth.ServerError("failed to authenticate client").WithCause(err)
	}
	return clientID, nil
}

// basicCredentials decodes RFC 6749 Section 2.3.1 HTTP Basic credentials,
// which are form-urlencoded before being joined.
func basicCredentials(req *http.Request) (string, string, bool) {
	id, secret, ok := req.BasicAuth()
	if !ok {
		return "", "", false
	}
	if decoded, err := url.QueryUnescape(id); err == nil {
		id = decoded
	}
	if decoded, err := url.QueryUnescape(secret); err == nil {
		secret = decoded
	}
	return id, secret, true
}

func (h *Handler) authorizationCodeGrant(req *http.Request, clientID string) (*TokenResponse, error) {
	ctx := req.Context()
	code := req.PostForm.Get("code")
	redirectURI := req.PostForm.Get("redirect_uri")
	verifier := req.PostForm.Get("code_verifier")

	if code == "" || redirectURI == "" {
		return nil, oauth.InvalidRequest("code, client_id and redirect_uri are required")
	}

	m, err := h.codes.Redeem(ctx, code, clientID, func(m *grants.CodeMapping) error {
		if err := h.checkRedirectURI(m, clientID, redirectURI); err != nil {
			return err
		}
		if m.CodeChallenge == "" {
			return nil
		}
		switch err := servercrypto.VerifyPKCE(verifier, m.CodeChallenge, m.CodeChallengeMethod); {
		case err == nil:
			return nil
		case errors.Is(err, servercrypto.ErrMissingVerifier):
			return oauth.InvalidRequest("code_verifier is required")
		default:
			return oauth.InvalidGrant("PKCE verification failed").WithCause(err)
		}
	})
	if err != nil {
		switch {
		case errors.Is(err, grants.ErrCodeNotFound):
			return nil, oauth.InvalidGrant("invalid or expired authorization code")
		case errors.Is(err, grants.ErrCodeClientMismatch):
			return nil, oauth.InvalidGrant("authorization code was issued to another client")
		}
		return nil, err
	}

	resp := &TokenResponse{TokenType: oauth.TokenTypeBearer, ExpiresIn: m.ExpiresIn, Scope: m.Scope}
	resp.AccessToken, err = h.issuer.Issue(clientID, m.Scope, m.UpstreamAccessToken, m.ExpiresIn)
	if err != nil {
		return nil, oauth.ServerError("failed to issue access token").WithCause(err)
	}

	if m.UpstreamRefreshToken == "" {
		return normalizeExpiry(resp), nil
	}
	client, err := h.grantClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.AllowsGrantType(oauth.GrantTypeRefreshToken) {
		resp.RefreshToken, err = h.refresh.Issue(ctx, clientID, m.UpstreamRefreshToken, m.Scope)
		if err != nil {
			return nil, oauth.ServerError("failed to store refresh token").WithCause(err)
		}
	}
	return normalizeExpiry(resp), nil
}

// checkRedirectURI applies the configured redirect URI binding.
func (h *Handler) checkRedirectURI(m *grants.CodeMapping, clientID, redirectURI string) error {
	if h.config.RedirectURIBinding == RedirectURIBindingOff || m.RedirectURI == redirectURI {
		return nil
	}
	if h.config.RedirectURIBinding == RedirectURIBindingEnforce {
		return oauth.InvalidGrant("redirect_uri does not match the authorization request")
	}
	logger.Warnw("redirect_uri at token endpoint differs from the authorization request", "client_id", clientID)
	return nil
}

func (h *Handler) refreshTokenGrant(req *http.Request, clientID string) (*TokenResponse, error) {
	ctx := req.Context()
	refreshToken := req.PostForm.Get("refresh_token")
	if refreshToken == "" {
		return nil, oauth.InvalidRequest("refresh_token and client_id are required")
	}

	client, err := h.grantClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrantType(oauth.GrantTypeRefreshToken) {
		return nil, oauth.UnauthorizedClient("client is not registered for the refresh_token grant")
	}

	m, err := h.refresh.Lookup(ctx, refreshToken, clientID)
	if err != nil {
		if errors.Is(err, grants.ErrRefreshTokenNotFound) || errors.Is(err, grants.ErrRefreshClientMismatch) {
			return nil, oauth.InvalidGrant("invalid refresh token").WithCause(err)
		}
		return nil, oauth.ServerError("failed to load refresh token").WithCause(err)
	}

	start := time.Now()
	upstreamTokens, err := h.upstream.Refresh(ctx, m.UpstreamRefreshToken)
	h.metrics.ObserveUpstream("refresh", start, err)
	if err != nil {
		return nil, oauth.InvalidGrant("invalid refresh token").WithCause(err)
	}

	if upstreamTokens.RefreshToken != "" && upstreamTokens.RefreshToken != m.UpstreamRefreshToken {
		if err := h.refresh.Rotate(ctx, refreshToken, m, upstreamTokens.RefreshToken); err != nil {
			return nil, oauth.ServerError("failed to update refresh token").WithCause(err)
		}
	}

	accessToken, err := h.issuer.Issue(clientID, m.Scope, upstreamTokens.AccessToken, upstreamTokens.ExpiresIn)
	if err != nil {
		return nil, oauth.ServerError("failed to issue access token").WithCause(err)
	}
	return normalizeExpiry(&TokenResponse{
		AccessToken:  accessToken,
		TokenType:    oauth.TokenTypeBearer,
		ExpiresIn:    upstreamTokens.ExpiresIn,
		Scope:        m.Scope,
		RefreshToken: refreshToken,
	}), nil
}

// grantClient loads the registered client a grant is being redeemed for.
func (h *Handler) grantClient(ctx context.Context, clientID string) (*registration.Client, error) {
	client, err := h.clients.Lookup(ctx, clientID)
	switch {
	case errors.Is(err, registration.ErrClientNotFound):
		return nil, oauth.InvalidClient("unknown client").WithCause(err)
	case err != nil:
		return nil, oauth.ServerError("failed to load client").WithCause(err)
	}
	return client, nil
}

// normalizeExpiry reports the same default lifetime the issuer applies.
func normalizeExpiry(resp *TokenResponse) *TokenResponse {
	if resp.ExpiresIn <= 0 {
		resp.ExpiresIn = tokens.DefaultExpiresIn
	}
	return resp
}
