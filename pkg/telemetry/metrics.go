// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the broker's Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authbroker"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the broker's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	registrations     *prometheus.CounterVec
	authorizations    *prometheus.CounterVec
	tokensIssued      *prometheus.CounterVec
	oauthErrors       *prometheus.CounterVec
	validations       *prometheus.CounterVec
	upstreamRequests  *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
	storageFallbacks  *prometheus.CounterVec
	registrationLimit prometheus.Counter
}

// NewMetrics creates the collectors and registers them, together with the Go
// runtime and process collectors, on a new registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_registrations_total",
			Help:      "Dynamic client registrations by outcome.",
		}, []string{"outcome"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "Completed authorization round trips by stage and outcome.",
		}, []string{"stage", "outcome"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Broker access tokens issued by grant type.",
		}, []string{"grant_type"}),
		oauthErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_errors_total",
			Help:      "OAuth error responses by endpoint and error code.",
		}, []string{"endpoint", "error"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Bearer token validations by token kind and outcome.",
		}, []string{"kind", "outcome"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Calls to the upstream identity provider by operation and outcome.",
		}, []string{"operation", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of calls to the upstream identity provider.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		storageFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_fallbacks_total",
			Help:      "Times the configured storage backend was unavailable and memory storage was used instead.",
		}, []string{"backend"}),
		registrationLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_registrations_rate_limited_total",
			Help:      "Registration requests rejected by the rate limiter.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.registrations,
		m.authorizations,
		m.tokensIssued,
		m.oauthErrors,
		m.validations,
		m.upstreamRequests,
		m.upstreamDuration,
		m.storageFallbacks,
		m.registrationLimit,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          m.registry,
		Timeout:           10 * time.Second,
	})
}

// RecordRegistration counts a registration attempt.
func (m *Metrics) RecordRegistration(outcome string) {
	m.registrations.WithLabelValues(outcome).Inc()
}

// RecordRegistrationRateLimited counts a registration rejected by the limiter.
func (m *Metrics) RecordRegistrationRateLimited() {
	m.registrationLimit.Inc()
}

// RecordAuthorization counts the outcome of an authorization stage ("authorize" or "callback").
func (m *Metrics) RecordAuthorization(stage, outcome string) {
	m.authorizations.WithLabelValues(stage, outcome).Inc()
}

// RecordTokenIssued counts an access token issued for grantType.
func (m *Metrics) RecordTokenIssued(grantType string) {
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

// RecordOAuthError counts an error response.
func (m *Metrics) RecordOAuthError(endpoint, code string) {
	m.oauthErrors.WithLabelValues(endpoint, code).Inc()
}

// RecordValidation counts a bearer token validation.
func (m *Metrics) RecordValidation(kind, outcome string) {
	m.validations.WithLabelValues(kind, outcome).Inc()
}

// ObserveUpstream records the outcome and latency of an upstream call that started at start.
func (m *Metrics) ObserveUpstream(operation string, start time.Time, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.upstreamRequests.WithLabelValues(operation, outcome).Inc()
	m.upstreamDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordStorageFallback counts a fail-open switch from backend to memory storage.
func (m *Metrics) RecordStorageFallback(backend string) {
	m.storageFallbacks.WithLabelValues(backend).Inc()
}
