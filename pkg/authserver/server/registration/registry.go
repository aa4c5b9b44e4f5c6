// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	servercrypto "github.com/stacklok/mcp-authbroker/pkg/authserver/server/crypto"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/storage"
)

// ErrClientNotFound is returned by Lookup for unknown client IDs.
var ErrClientNotFound = errors.New("client not found")

// ErrInvalidClientSecret is returned by Authenticate when the secret does not match.
var ErrInvalidClientSecret = errors.New("invalid client secret")

// Client is a registered client as persisted in the store.
// The client secret is only kept as a SHA-256 digest.
type Client struct {
	ClientID                string                     `json:"client_id"`
	ClientSecretHash        string                     `json:"client_secret_hash"`
	ClientName              string                     `json:"client_name"`
	RedirectURIs            []string                   `json:"redirect_uris"`
	TokenEndpointAuthMethod string                     `json:"token_endpoint_auth_method"`
	GrantTypes              []string                   `json:"grant_types"`
	ResponseTypes           []string                   `json:"response_types"`
	ClientIDIssuedAt        int64                      `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64                      `json:"client_secret_expires_at"`
	Metadata                map[string]json.RawMessage `json:"metadata,omitempty"`
}

// HasRedirectURI reports whether uri exactly matches one of the registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrantType reports whether the client registered the given grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// Registration is the result of a successful registration: the stored client
// plus the plaintext secret, which is only ever returned once.
type Registration struct {
	Client       *Client
	ClientSecret string
}

// MarshalJSON renders the RFC 7591 Section 3.2.1 response. Every field the
// client submitted is echoed; server-assigned and normalized fields win.
func (r *Registration) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Client.Metadata)+9)
	for k, v := range r.Client.Metadata {
		doc[k] = v
	}
	doc["client_id"] = r.Client.ClientID
	doc["client_secret"] = r.ClientSecret
	doc["client_id_issued_at"] = r.Client.ClientIDIssuedAt
	doc["client_secret_expires_at"] = r.Client.ClientSecretExpiresAt
	doc["client_name"] = r.Client.ClientName
	doc["redirect_uris"] = r.Client.RedirectURIs
	doc["token_endpoint_auth_method"] = r.Client.TokenEndpointAuthMethod
	doc["grant_types"] = r.Client.GrantTypes
	doc["response_types"] = r.Client.ResponseTypes
	return json.Marshal(doc)
}

// Registry registers and looks up clients in a storage.Store. Clients never expire.
type Registry struct {
	store storage.Store
	now   func() time.Time
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store storage.Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Register validates req, generates credentials and persists the client.
// Validation failures are returned as *oauth.Error values.
func (r *Registry) Register(ctx context.Context, req *DCRRequest) (*Registration, error) {
	validated, oauthErr := ValidateDCRRequest(req)
	if oauthErr != nil {
		return nil, oauthErr
	}

	secret := servercrypto.NewSecret()
	client := &Client{
		ClientID:                servercrypto.NewClientID(),
		ClientSecretHash:        hashSecret(secret),
		ClientName:              validated.ClientName,
		RedirectURIs:            validated.RedirectURIs,
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		GrantTypes:              validated.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
		ClientIDIssuedAt:        r.now().Unix(),
		ClientSecretExpiresAt:   0,
		Metadata:                validated.Metadata,
	}

	if err := storage.PutJSON(ctx, r.store, storage.EntityClient, client.ClientID, client, 0); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}

	return &Registration{Client: client, ClientSecret: secret}, nil
}

// Lookup returns the registered client, or ErrClientNotFound.
func (r *Registry) Lookup(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, ErrClientNotFound
	}
	client, err := storage.GetJSON[*Client](ctx, r.store, storage.EntityClient, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}
	return client, nil
}

// Authenticate looks up the client and checks its secret in constant time.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*Client, error) {
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(client.ClientSecretHash)) != 1 {
		return nil, ErrInvalidClientSecret
	}
	return client, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
