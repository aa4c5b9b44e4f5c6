// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/grants"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/handlers"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/registration"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/tokens"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/storage"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/upstream"
	"github.com/stacklok/mcp-authbroker/pkg/logger"
	"github.com/stacklok/mcp-authbroker/pkg/networking"
	"github.com/stacklok/mcp-authbroker/pkg/telemetry"
	"github.com/stacklok/mcp-authbroker/pkg/versions"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverIdleTimeout      = 60 * time.Second

	// writeTimeoutMargin is added to the upstream timeout so that /callback
	// and /token can still answer after a slow provider call.
	writeTimeoutMargin = 10 * time.Second
)

// serverWriteTimeout returns the response write deadline for an upstream timeout.
func serverWriteTimeout(upstreamTimeout time.Duration) time.Duration {
	return upstreamTimeout + writeTimeoutMargin
}

// Server is the assembled broker: storage, upstream client, token issuer and
// validator behind the HTTP handlers.
type Server struct {
	config  Config
	store   storage.Store
	handler http.Handler
	metrics *telemetry.Metrics
}

// Option configures New.
type Option func(*options)

type options struct {
	store      storage.Store
	httpClient *http.Client
	metrics    *telemetry.Metrics
	newSSM     func(ctx context.Context, region string) (SSMClient, error)
}

// WithStore uses store instead of creating one from the storage configuration.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithHTTPClient sets the client used for upstream token and JWKS requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSSMClientFactory replaces how the SSM client for base URL resolution is created.
func WithSSMClientFactory(f func(ctx context.Context, region string) (SSMClient, error)) Option {
	return func(o *options) {
		o.newSSM = f
	}
}

// New validates cfg, resolves the base URL and wires every component.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{newSSM: NewSSMClient}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewMetrics()
	}

	resolved := *cfg
	resolved.BaseURL = ResolveBaseURL(ctx, cfg, o.newSSM)
	endpoints := resolved.UpstreamEndpoints()

	httpClient := o.httpClient
	if httpClient == nil {
		var err error
		httpClient, err = newUpstreamHTTPClient(resolved.UpstreamTimeout, endpoints)
		if err != nil {
			return nil, err
		}
	}

	store := o.store
	if store == nil {
		var err error
		store, err = storage.NewStorage(ctx, &resolved.Storage, func(backend storage.Type, _ error) {
			o.metrics.RecordStorageFallback(string(backend))
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
	}

	s, err := assemble(ctx, &resolved, store, httpClient, o.metrics)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logger.Infow("authorization broker initialized",
		"base_url", resolved.BaseURL,
		"upstream_issuer", endpoints.Issuer,
		"redirect_uri_binding", string(resolved.RedirectURIBinding),
	)
	return s, nil
}

func assemble(ctx context.Context, cfg *Config, store storage.Store, httpClient *http.Client, metrics *telemetry.Metrics) (*Server, error) {
	endpoints := cfg.UpstreamEndpoints()
	upstreamClient, err := upstream.NewOAuth2Client(ctx, upstream.Config{
		Endpoints:    endpoints,
		ClientID:     cfg.CognitoClientID,
		ClientSecret: cfg.CognitoClientSecret,
		RedirectURI:  cfg.CallbackURL(),
		Timeout:      cfg.UpstreamTimeout,
	}, upstream.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}

	issuer, err := tokens.NewIssuer(tokens.IssuerConfig{Issuer: cfg.BaseURL, Secret: cfg.SigningSecret})
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	validator, err := tokens.NewValidator(tokens.ValidatorConfig{
		Secret:           cfg.SigningSecret,
		Issuer:           cfg.BaseURL,
		UpstreamIssuer:   upstreamClient.Issuer(),
		UpstreamClientID: upstreamClient.ClientID(),
		Keys:             upstreamClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}

	h, err := handlers.NewHandler(handlers.Config{
		BaseURL:            cfg.BaseURL,
		CallbackURL:        cfg.CallbackURL(),
		RedirectURIBinding: cfg.RedirectURIBinding,
		RegistrationRate:   cfg.RegistrationRate,
		RegistrationBurst:  cfg.RegistrationBurst,
	}, handlers.Dependencies{
		Clients:   registration.NewRegistry(store),
		Sessions:  grants.NewSessionStore(store, 0),
		Codes:     grants.NewCodeBroker(store, 0),
		Refresh:   grants.NewRefreshBroker(store, 0),
		Issuer:    issuer,
		Validator: validator,
		Upstream:  upstreamClient,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handlers: %w", err)
	}

	return &Server{
		config:  *cfg,
		store:   store,
		handler: h.Routes(),
		metrics: metrics,
	}, nil
}

// newUpstreamHTTPClient builds the bounded-timeout client for provider calls.
// Plain HTTP is only allowed when the configured endpoints themselves use it.
func newUpstreamHTTPClient(timeout time.Duration, ep upstream.Endpoints) (*http.Client, error) {
	allowHTTP := false
	for _, u := range []string{ep.AuthorizationEndpoint, ep.TokenEndpoint, ep.JWKSURL} {
		if strings.HasPrefix(u, "http://") {
			allowHTTP = true
		}
	}
	if allowHTTP {
		logger.Warnw("upstream endpoints use plain HTTP, this is only suitable for local development")
	}

	client, err := networking.NewHttpClientBuilder().
		WithTimeout(timeout).
		WithUserAgent(versions.UserAgent()).
		WithInsecureAllowHTTP(allowHTTP).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream HTTP client: %w", err)
	}
	return client, nil
}

// Handler returns the HTTP handler serving every broker endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// BaseURL returns the resolved public URL of the broker.
func (s *Server) BaseURL() string {
	return s.config.BaseURL
}

// Metrics returns the collector behind GET /metrics.
func (s *Server) Metrics() *telemetry.Metrics {
	return s.metrics
}

// Run listens on the configured port and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout(s.config.UpstreamTimeout),
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("authorization broker listening", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Infow("shutting down authorization broker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Infow("server shutdown complete")
	return nil
}

// DefaultHealthCheckInterval is how often WatchStorageHealth probes the store.
const DefaultHealthCheckInterval = time.Minute

// WatchStorageHealth probes the store every interval and logs failures until
// ctx is canceled. It always returns nil once ctx is done.
func (s *Server) WatchStorageHealth(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := s.store.Health(ctx)
			switch {
			case err != nil && healthy:
				logger.Warnw("storage health check failed", "error", err)
			case err == nil && !healthy:
				logger.Infow("storage health check recovered")
			}
			healthy = err == nil
		}
	}
}

// Close releases the storage backend.
func (s *Server) Close() error {
	logger.Debugw("closing authorization broker")
	return s.store.Close()
}
