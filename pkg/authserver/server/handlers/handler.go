// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/stacklok/mcp-authbroker/pkg/auth"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/grants"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/registration"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/tokens"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/upstream"
	"github.com/stacklok/mcp-authbroker/pkg/logger"
	"github.com/stacklok/mcp-authbroker/pkg/oauth"
	"github.com/stacklok/mcp-authbroker/pkg/telemetry"
)

// RedirectURIBinding controls how the token endpoint treats a redirect_uri
// that differs from the one the code was issued for.
type RedirectURIBinding string

const (
	// RedirectURIBindingOff ignores the presented redirect_uri.
	RedirectURIBindingOff RedirectURIBinding = "off"

	// RedirectURIBindingWarn logs a mismatch and proceeds.
	RedirectURIBindingWarn RedirectURIBinding = "warn"

	// RedirectURIBindingEnforce rejects a mismatch with invalid_grant.
	RedirectURIBindingEnforce RedirectURIBinding = "enforce"
)

// ParseRedirectURIBinding parses a binding mode. An empty value means warn.
func ParseRedirectURIBinding(s string) (RedirectURIBinding, error) {
	switch b := RedirectURIBinding(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return RedirectURIBindingWarn, nil
	case RedirectURIBindingOff, RedirectURIBindingWarn, RedirectURIBindingEnforce:
		return b, nil
	default:
		return "", fmt.Errorf("invalid redirect URI binding %q: must be off, warn or enforce", s)
	}
}

// Default registration rate limit.
const (
	DefaultRegistrationRate  rate.Limit = 10
	DefaultRegistrationBurst            = 20
)

// Config holds the externally visible settings of the endpoints.
type Config struct {
	// BaseURL is the broker's public URL and the issuer of its tokens.
	BaseURL string

	// CallbackURL is the redirect_uri the broker registered with the upstream provider.
	CallbackURL string

	// RedirectURIBinding selects the redirect_uri check at the token endpoint.
	RedirectURIBinding RedirectURIBinding

	// RegistrationRate and RegistrationBurst bound POST /register. A zero rate uses the defaults.
	RegistrationRate  rate.Limit
	RegistrationBurst int
}

// Dependencies are the collaborators a Handler orchestrates.
type Dependencies struct {
	Clients   *registration.Registry
	Sessions  *grants.SessionStore
	Codes     *grants.CodeBroker
	Refresh   *grants.RefreshBroker
	Issuer    *tokens.Issuer
	Validator auth.TokenValidator
	Upstream  upstream.Client
	Metrics   *telemetry.Metrics
}

// Handler provides the HTTP handlers of the broker.
type Handler struct {
	config    Config
	clients   *registration.Registry
	sessions  *grants.SessionStore
	codes     *grants.CodeBroker
	refresh   *grants.RefreshBroker
	issuer    *tokens.Issuer
	validator auth.TokenValidator
	upstream  upstream.Client
	metrics   *telemetry.Metrics
	limiter   *rate.Limiter
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(cfg Config, deps Dependencies) (*Handler, error) {
	switch {
	case cfg.BaseURL == "":
		return nil, errors.New("base URL is required")
	case cfg.CallbackURL == "":
		return nil, errors.New("callback URL is required")
	case deps.Clients == nil, deps.Sessions == nil, deps.Codes == nil, deps.Refresh == nil:
		return nil, errors.New("registry, session, code and refresh stores are required")
	case deps.Issuer == nil, deps.Validator == nil:
		return nil, errors.New("token issuer and validator are required")
	case deps.Upstream == nil:
		return nil, errors.New("upstream client is required")
	}

	if cfg.RedirectURIBinding == "" {
		cfg.RedirectURIBinding = RedirectURIBindingWarn
	}
	if cfg.RegistrationRate <= 0 {
		cfg.RegistrationRate = DefaultRegistrationRate
	}
	if cfg.RegistrationBurst <= 0 {
		cfg.RegistrationBurst = DefaultRegistrationBurst
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	return &Handler{
		config:    cfg,
		clients:   deps.Clients,
		sessions:  deps.Sessions,
		codes:     deps.Codes,
		refresh:   deps.Refresh,
		issuer:    deps.Issuer,
		validator: deps.Validator,
		upstream:  deps.Upstream,
		metrics:   metrics,
		limiter:   rate.NewLimiter(cfg.RegistrationRate, cfg.RegistrationBurst),
	}, nil
}

// Routes returns a router with all broker endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", h.HealthHandler)
	r.Get("/metrics", h.metrics.Handler().ServeHTTP)
	h.WellKnownRoutes(r)
	h.OAuthRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(auth.TokenMiddleware(&instrumentedValidator{next: h.validator, metrics: h.metrics}, h.config.BaseURL))
		r.Get("/whoami", h.WhoAmIHandler)
	})
	return r
}

// OAuthRoutes registers the OAuth endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Post("/register", h.RegisterClientHandler)
	r.Get("/authorize", h.AuthorizeHandler)
	r.Get("/callback", h.CallbackHandler)
	r.Post("/token", h.TokenHandler)
}

// WellKnownRoutes registers the discovery endpoint on the provided router.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
}

// writeJSON writes v with the no-store headers required for OAuth responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to encode response", "error", err)
	}
}

// writeError logs the cause of err, counts it and writes the OAuth error response.
func (h *Handler) writeError(w http.ResponseWriter, endpoint string, err error) {
	oauthErr := oauth.AsError(err)
	if oauthErr.Code == oauth.ErrorServerError {
		logger.Errorw("request failed", "endpoint", endpoint, "error", err)
	} else {
		logger.Debugw("request rejected", "endpoint", endpoint, "error", err)
	}
	h.metrics.RecordOAuthError(endpoint, string(oauthErr.Code))
	oauth.WriteError(w, oauthErr)
}
