// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/registration"
	"github.com/stacklok/mcp-authbroker/pkg/logger"
	"github.com/stacklok/mcp-authbroker/pkg/oauth"
)

// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoint (1 hour).
const DefaultDiscoveryCacheMaxAge = 3600

// ServiceDocumentation is advertised in the metadata document.
const ServiceDocumentation = "https://modelcontextprotocol.io/authorization"

// SupportedScopes are advertised in the metadata document.
var SupportedScopes = []string{"openid", "email", "profile", "mcp-server/read", "mcp-server/write"}

// healthResponse is the body of GET /.
type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// HealthHandler handles GET / requests.
func (*Handler) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Service: "auth-api"})
}

// Metadata builds the RFC 8414 document. jwks_uri points at the upstream
// key set since upstream tokens are accepted as bearer tokens.
func (h *Handler) Metadata() *oauth.AuthorizationServerMetadata {
	base := h.config.BaseURL
	return &oauth.AuthorizationServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		RegistrationEndpoint:              base + "/register",
		JWKSURI:                           h.upstream.JWKSURL(),
		ScopesSupported:                   SupportedScopes,
		ResponseTypesSupported:            []string{oauth.ResponseTypeCode},
		ResponseModesSupported:            []string{"query", "fragment"},
		GrantTypesSupported:               []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{registration.AuthMethodClientSecretBasic, registration.AuthMethodNone},
		CodeChallengeMethodsSupported:     []string{oauth.PKCEMethodS256},
		ServiceDocumentation:              ServiceDocumentation,
		RevocationEndpoint:                base + "/revoke",
		IntrospectionEndpoint:             base + "/introspect",
	}
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server requests.
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err := json.NewEncoder(w).Encode(h.Metadata()); err != nil {
		logger.Debugw("failed to encode discovery document", "error", err)
	}
}
