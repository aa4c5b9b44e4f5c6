// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/registration"
	"github.com/stacklok/mcp-authbroker/pkg/logger"
	"github.com/stacklok/mcp-authbroker/pkg/oauth"
	"github.com/stacklok/mcp-authbroker/pkg/telemetry"
)

// maxDCRBodySize is the maximum allowed size for DCR request bodies (64KB).
const maxDCRBodySize = 64 * 1024

// RegisterClientHandler handles POST /register requests per RFC 7591.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	const endpoint = "register"

	if !h.limiter.Allow() {
		h.metrics.RecordRegistrationRateLimited()
		h.writeError(w, endpoint, oauth.TemporarilyUnavailable("too many registration requests"))
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxDCRBodySize)

	// RFC 7591 requires application/json
	if !strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		h.failRegistration(w, oauth.InvalidClientMetadata("Content-Type must be application/json"))
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.failRegistration(w, oauth.InvalidClientMetadata("request body too large"))
			return
		}
		h.failRegistration(w, oauth.InvalidRequest("failed to read request body").WithCause(err))
		return
	}

	dcrReq, err := registration.ParseDCRRequest(body)
	if err != nil {
		h.failRegistration(w, oauth.InvalidClientMetadata("invalid JSON request body").WithCause(err))
		return
	}

	reg, err := h.clients.Register(req.Context(), dcrReq)
	if err != nil {
		h.failRegistration(w, err)
		return
	}

	h.metrics.RecordRegistration(telemetry.OutcomeSuccess)
	logger.Infow("registered new client",
		"client_id", reg.Client.ClientID,
		"client_name", reg.Client.ClientName,
		"redirect_uri_count", len(reg.Client.RedirectURIs),
	)
	writeJSON(w, http.StatusOK, reg)
}

func (h *Handler) failRegistration(w http.ResponseWriter, err error) {
	h.metrics.RecordRegistration(telemetry.OutcomeFailure)
	h.writeError(w, "register", err)
}
