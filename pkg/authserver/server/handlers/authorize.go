// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	servercrypto "github.com/stacklok/mcp-authbroker/pkg/authserver/server/crypto"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/grants"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/registration"
	"github.com/stacklok/mcp-authbroker/pkg/logger"
	"github.com/stacklok/mcp-authbroker/pkg/oauth"
	"github.com/stacklok/mcp-authbroker/pkg/telemetry"
)

// AuthorizeHandler handles GET /authorize requests.
// It validates the client's authorization request, records it as a session
// and redirects the user agent to the upstream provider.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")

	if clientID == "" || redirectURI == "" || responseType == "" {
		h.failAuthorize(w, oauth.InvalidRequest("client_id, redirect_uri and response_type are required"))
		return
	}
	if responseType != oauth.ResponseTypeCode {
		h.failAuthorize(w, oauth.InvalidRequest("response_type must be code"))
		return
	}
	if codeChallenge != "" {
		if codeChallengeMethod == "" {
			codeChallengeMethod = servercrypto.PKCEChallengeMethodS256
		}
		if codeChallengeMethod != servercrypto.PKCEChallengeMethodS256 {
			h.failAuthorize(w, oauth.InvalidRequest("code_challenge_method must be S256"))
			return
		}
	}

	client, err := h.clients.Lookup(ctx, clientID)
	if err != nil {
		if errors.Is(err, registration.ErrClientNotFound) {
			h.failAuthorize(w, oauth.InvalidClient("unknown client"))
			return
		}
		h.failAuthorize(w, oauth.ServerError("failed to look up client").WithCause(err))
		return
	}
	if !client.HasRedirectURI(redirectURI) {
		h.failAuthorize(w, oauth.InvalidRedirectURI("redirect_uri is not registered for this client"))
		return
	}

	verifier := servercrypto.GeneratePKCEVerifier()
	sess := &grants.Session{
		ClientID:         clientID,
		RedirectURI:      redirectURI,
		State:            q.Get("state"),
		Scope:            q.Get("scope"),
		UpstreamVerifier: verifier,
	}
	if codeChallenge != "" {
		sess.CodeChallenge = codeChallenge
		sess.CodeChallengeMethod = codeChallengeMethod
	}
	if err := h.sessions.Create(ctx, sess); err != nil {
		h.failAuthorize(w, oauth.ServerError("failed to store authorization request").WithCause(err))
		return
	}

	logger.Debugw("redirecting to upstream provider", "client_id", clientID, "has_pkce", codeChallenge != "")
	h.metrics.RecordAuthorization("authorize", telemetry.OutcomeSuccess)
	http.Redirect(w, req, h.upstream.AuthorizationURL(sess.SessionID, sess.Scope, verifier), http.StatusFound)
}

func (h *Handler) failAuthorize(w http.ResponseWriter, err error) {
	h.metrics.RecordAuthorization("authorize", telemetry.OutcomeFailure)
	h.writeError(w, "authorize", err)
}
