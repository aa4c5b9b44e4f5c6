// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/grants"
	"github.com/stacklok/mcp-authbroker/pkg/logger"
	"github.com/stacklok/mcp-authbroker/pkg/oauth"
	"github.com/stacklok/mcp-authbroker/pkg/telemetry"
)

// CallbackHandler handles GET /callback requests from the upstream provider.
// It exchanges the upstream code, mints a broker code for the same grant and
// redirects the user agent back to the client.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = "Unknown error"
		}
		logger.Warnw("upstream provider returned an error", "error", providerErr)
		h.metrics.RecordAuthorization("callback", telemetry.OutcomeFailure)
		h.metrics.RecordOAuthError("callback", "upstream_error")
		// The provider's error is relayed as is, always with 400.
		writeJSON(w, http.StatusBadRequest, oauth.ErrorResponse{Error: providerErr, ErrorDescription: desc})
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		h.failCallback(w, oauth.InvalidRequest("code and state are required"))
		return
	}

	sess, err := h.sessions.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, grants.ErrSessionNotFound) {
			h.failCallback(w, oauth.InvalidState("unknown or expired authorization session"))
			return
		}
		h.failCallback(w, oauth.ServerError("failed to load authorization session").WithCause(err))
		return
	}

	start := time.Now()
	upstreamTokens, err := h.upstream.ExchangeCode(ctx, code, sess.UpstreamVerifier)
	h.metrics.ObserveUpstream("exchange", start, err)
	if err != nil {
		h.failCallback(w, oauth.ServerError("failed to exchange authorization code with the identity provider").WithCause(err))
		return
	}

	brokerCode, err := h.codes.Mint(ctx, &grants.CodeMapping{
		UpstreamAccessToken:  upstreamTokens.AccessToken,
		UpstreamRefreshToken: upstreamTokens.RefreshToken,
		UpstreamIDToken:      upstreamTokens.IDToken,
		ClientID:             sess.ClientID,
		RedirectURI:          sess.RedirectURI,
		Scope:                sess.Scope,
		CodeChallenge:        sess.CodeChallenge,
		CodeChallengeMethod:  sess.CodeChallengeMethod,
		ExpiresIn:            upstreamTokens.ExpiresIn,
	})
	if err != nil {
		h.failCallback(w, oauth.ServerError("failed to store authorization code").WithCause(err))
		return
	}

	target, err := clientRedirect(sess.RedirectURI, brokerCode, sess.State)
	if err != nil {
		h.failCallback(w, oauth.ServerError("invalid client redirect URI").WithCause(err))
		return
	}

	logger.Debugw("authorization completed, redirecting to client", "client_id", sess.ClientID)
	h.metrics.RecordAuthorization("callback", telemetry.OutcomeSuccess)
	http.Redirect(w, req, target, http.StatusFound)
}

// clientRedirect appends code and, when present, state to the client's
// redirect URI, keeping any query it already carries.
func clientRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (h *Handler) failCallback(w http.ResponseWriter, err error) {
	h.metrics.RecordAuthorization("callback", telemetry.OutcomeFailure)
	h.writeError(w, "callback", err)
}
