// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"

	"github.com/stacklok/mcp-authbroker/pkg/auth"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/tokens"
	"github.com/stacklok/mcp-authbroker/pkg/oauth"
	"github.com/stacklok/mcp-authbroker/pkg/telemetry"
)

// whoAmIResponse is the body of GET /whoami.
type whoAmIResponse struct {
	Subject   string `json:"sub"`
	Scope     string `json:"scope,omitempty"`
	Issuer    string `json:"iss"`
	ClientID  string `json:"client_id,omitempty"`
	TokenKind string `json:"token_kind"`
}

// WhoAmIHandler handles GET /whoami requests. It must run behind the token middleware.
func (h *Handler) WhoAmIHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeError(w, "whoami", oauth.InvalidToken("the access token is invalid"))
		return
	}
	writeJSON(w, http.StatusOK, whoAmIResponse{
		Subject:   identity.Subject,
		Scope:     identity.Scope,
		Issuer:    identity.Issuer,
		ClientID:  identity.ClientID,
		TokenKind: string(identity.Kind),
	})
}

// instrumentedValidator counts validation outcomes.
type instrumentedValidator struct {
	next    auth.TokenValidator
	metrics *telemetry.Metrics
}

func (v *instrumentedValidator) Validate(ctx context.Context, raw string) (*tokens.Identity, error) {
	identity, err := v.next.Validate(ctx, raw)
	if err != nil {
		v.metrics.RecordValidation("unknown", telemetry.OutcomeFailure)
		return nil, err
	}
	v.metrics.RecordValidation(string(identity.Kind), telemetry.OutcomeSuccess)
	return identity, nil
}
