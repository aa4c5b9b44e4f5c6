// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/grants"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/registration"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/tokens"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/storage"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/upstream"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/upstream/upstreamtest"
	"github.com/stacklok/mcp-authbroker/pkg/oauth"
	"github.com/stacklok/mcp-authbroker/pkg/telemetry"
)

const (
	testBaseURL     = "https://broker.example.com"
	testCallbackURL = testBaseURL + "/callback"
	testClientCB    = "https://client.example/cb"
	testSecret      = "test-signing-secret"
)

// testEnv is a broker wired to an in-process upstream provider.
type testEnv struct {
	handler  *Handler
	router   http.Handler
	store    storage.Store
	metrics  *telemetry.Metrics
	provider *upstreamtest.Provider
}

// newTestEnv builds a broker against a fake provider. mutate may adjust the config.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	p := upstreamtest.NewProvider(t)
	client, err := upstream.NewOAuth2Client(context.Background(), upstream.Config{
		Endpoints:           p.Endpoints(),
		ClientID:            p.ClientID,
		ClientSecret:        p.ClientSecret,
		RedirectURI:         testCallbackURL,
		Timeout:             5 * time.Second,
		JWKSRefreshInterval: time.Millisecond,
	})
	require.NoError(t, err)

	env := buildEnv(t, client, p.Issuer(), p.ClientID, mutate...)
	env.provider = p
	return env
}

// buildEnv wires a Handler around memory storage and the given upstream client.
func buildEnv(t *testing.T, client upstream.Client, upstreamIssuer, upstreamClientID string, mutate ...func(*Config)) *testEnv {
	t.Helper()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	issuer, err := tokens.NewIssuer(tokens.IssuerConfig{Issuer: testBaseURL, Secret: []byte(testSecret)})
	require.NoError(t, err)
	validator, err := tokens.NewValidator(tokens.ValidatorConfig{
		Secret:           []byte(testSecret),
		Issuer:           testBaseURL,
		UpstreamIssuer:   upstreamIssuer,
		UpstreamClientID: upstreamClientID,
		Keys:             client,
	})
	require.NoError(t, err)

	cfg := Config{BaseURL: testBaseURL, CallbackURL: testCallbackURL}
	for _, m := range mutate {
		m(&cfg)
	}

	metrics := telemetry.NewMetrics()
	h, err := NewHandler(cfg, Dependencies{
		Clients:   registration.NewRegistry(store),
		Sessions:  grants.NewSessionStore(store, 0),
		Codes:     grants.NewCodeBroker(store, 0),
		Refresh:   grants.NewRefreshBroker(store, 0),
		Issuer:    issuer,
		Validator: validator,
		Upstream:  client,
		Metrics:   metrics,
	})
	require.NoError(t, err)

	return &testEnv{handler: h, router: h.Routes(), store: store, metrics: metrics}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// registeredClient is the JSON answer of POST /register.
type registeredClient struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURIs []string `json:"redirect_uris"`
}

func (e *testEnv) register(t *testing.T, redirectURIs ...string) registeredClient {
	t.Helper()
	if len(redirectURIs) == 0 {
		redirectURIs = []string{testClientCB}
	}
	body, err := json.Marshal(map[string]any{"client_name": "demo", "redirect_uris": redirectURIs})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var c registeredClient
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	return c
}

// authorizeParams builds a valid /authorize query carrying a S256 challenge for verifier.
func authorizeParams(clientID, verifier string) url.Values {
	v := url.Values{}
	v.Set("client_id", clientID)
	v.Set("redirect_uri", testClientCB)
	v.Set("response_type", "code")
	v.Set("state", "client-state")
	v.Set("scope", "openid email")
	if verifier != "" {
		v.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
		v.Set("code_challenge_method", "S256")
	}
	return v
}

// authorize runs /authorize and the upstream login and returns the callback query.
func (e *testEnv) authorize(t *testing.T, params url.Values) url.Values {
	t.Helper()

	rec := e.do(httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := noRedirect.Get(rec.Header().Get("Location"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, testCallbackURL, callback.Scheme+"://"+callback.Host+callback.Path)
	return callback.Query()
}

// callback delivers the upstream callback and returns the broker code.
func (e *testEnv) callback(t *testing.T, query url.Values) url.Values {
	t.Helper()

	rec := e.do(httptest.NewRequest(http.MethodGet, "/callback?"+query.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	target, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return target.Query()
}

// loginCode runs the authorize and callback legs and returns the broker code.
func (e *testEnv) loginCode(t *testing.T, clientID, verifier string) string {
	t.Helper()
	code := e.callback(t, e.authorize(t, authorizeParams(clientID, verifier))).Get("code")
	require.NotEmpty(t, code)
	return code
}

func tokenRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func codeForm(code, clientID, verifier string) url.Values {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", clientID)
	form.Set("redirect_uri", testClientCB)
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}
	return form
}

func refreshForm(refreshToken, clientID string) url.Values {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	return form
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func assertOAuthError(t *testing.T, rec *httptest.ResponseRecorder, status int, code oauth.ErrorCode) {
	t.Helper()
	assert.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body oauth.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(code), body.Error)
}
