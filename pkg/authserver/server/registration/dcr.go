// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registration provides OAuth 2.0 Dynamic Client Registration (DCR)
// per RFC 7591: request parsing and validation, and the client registry that
// persists registered clients and looks them up again.
package registration

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/stacklok/mcp-authbroker/pkg/oauth"
)

// Validation limits to prevent DoS attacks via excessively large requests.
const (
	// MaxRedirectURICount is the maximum number of redirect URIs allowed per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength is the maximum allowed length for a client name.
	MaxClientNameLength = 256
)

// Token endpoint authentication methods accepted at registration.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// DCRRequest represents an OAuth 2.0 Dynamic Client Registration request
// per RFC 7591 Section 2.
type DCRRequest struct {
	// RedirectURIs is an array of redirection URIs for the client. Required.
	RedirectURIs []string `json:"redirect_uris"`

	// ClientName is a human-readable name for the client. Required.
	ClientName string `json:"client_name"`

	// TokenEndpointAuthMethod is the requested authentication method for the token endpoint.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// GrantTypes is an array of OAuth 2.0 grant types the client may use.
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes is an array of OAuth 2.0 response types the client may use.
	ResponseTypes []string `json:"response_types,omitempty"`

	// Metadata holds every top-level field of the submitted document, including
	// the ones above and any this server does not interpret. It is echoed back
	// in the registration response.
	Metadata map[string]json.RawMessage `json:"-"`
}

// ParseDCRRequest decodes a registration request body.
func ParseDCRRequest(body []byte) (*DCRRequest, error) {
	var metadata map[string]json.RawMessage
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("invalid JSON request body: %w", err)
	}

	var req DCRRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid client metadata: %w", err)
	}
	req.Metadata = metadata
	return &req, nil
}

// allowedAuthMethods defines the token endpoint authentication methods a client may request.
var allowedAuthMethods = map[string]bool{
	AuthMethodNone:              true,
	AuthMethodClientSecretBasic: true,
	AuthMethodClientSecretPost:  true,
}

// defaultGrantTypes are the default grant types for registered clients.
var defaultGrantTypes = []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken}

// allowedGrantTypes defines the grant types the broker can serve.
var allowedGrantTypes = map[string]bool{
	oauth.GrantTypeAuthorizationCode: true,
	oauth.GrantTypeRefreshToken:      true,
}

// defaultResponseTypes are the default response types for registered clients.
var defaultResponseTypes = []string{oauth.ResponseTypeCode}

// ValidateDCRRequest validates a DCR request according to RFC 7591 and the
// broker's redirect URI policy. It returns the request with defaults applied.
func ValidateDCRRequest(req *DCRRequest) (*DCRRequest, *oauth.Error) {
	// 1. Required fields
	if len(req.RedirectURIs) == 0 {
		return nil, oauth.InvalidClientMetadata("redirect_uris is required")
	}
	if req.ClientName == "" {
		return nil, oauth.InvalidClientMetadata("client_name is required")
	}

	// 2. Limits
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, oauth.InvalidRedirectURI(fmt.Sprintf("too many redirect_uris (maximum %d)", MaxRedirectURICount))
	}
	if len(req.ClientName) > MaxClientNameLength {
		return nil, oauth.InvalidClientMetadata(fmt.Sprintf("client_name too long (maximum %d characters)", MaxClientNameLength))
	}

	// 3. Every redirect URI must be HTTPS or loopback
	for _, uri := range req.RedirectURIs {
		if err := oauth.ValidateRedirectURI(uri); err != nil {
			return nil, oauth.InvalidRedirectURI(err.Error())
		}
	}

	// 4. Token endpoint auth method, defaulting to client_secret_basic since a secret is always issued
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = AuthMethodClientSecretBasic
	}
	if !allowedAuthMethods[authMethod] {
		return nil, oauth.InvalidClientMetadata("unsupported token_endpoint_auth_method: " + authMethod)
	}

	// 5. Grant and response types
	grantTypes, err := validateGrantTypes(req.GrantTypes)
	if err != nil {
		return nil, err
	}
	responseTypes, err := validateResponseTypes(req.ResponseTypes)
	if err != nil {
		return nil, err
	}

	return &DCRRequest{
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Metadata:                req.Metadata,
	}, nil
}

func validateGrantTypes(grantTypes []string) ([]string, *oauth.Error) {
	if len(grantTypes) == 0 {
		return slices.Clone(defaultGrantTypes), nil
	}
	if !slices.Contains(grantTypes, oauth.GrantTypeAuthorizationCode) {
		return nil, oauth.InvalidClientMetadata("grant_types must include 'authorization_code'")
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			return nil, oauth.InvalidClientMetadata("unsupported grant_type: " + gt)
		}
	}
	return slices.Clone(grantTypes), nil
}

func validateResponseTypes(responseTypes []string) ([]string, *oauth.Error) {
	if len(responseTypes) == 0 {
		return slices.Clone(defaultResponseTypes), nil
	}
	for _, rt := range responseTypes {
		if rt != oauth.ResponseTypeCode {
			return nil, oauth.InvalidClientMetadata("unsupported response_type: " + rt)
		}
	}
	return slices.Clone(responseTypes), nil
}
