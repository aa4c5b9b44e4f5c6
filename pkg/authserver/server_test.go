// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/storage"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/upstream/upstreamtest"
	"github.com/stacklok/mcp-authbroker/pkg/telemetry"
)

// providerConfig returns a configuration pointing at a local fake provider.
func providerConfig(p *upstreamtest.Provider, baseURL string) *Config {
	cfg := validConfig()
	cfg.CognitoDomain, cfg.CognitoUserPoolID = "", ""
	cfg.CognitoClientID = p.ClientID
	cfg.CognitoClientSecret = p.ClientSecret
	cfg.UpstreamOverrides = p.Endpoints()
	cfg.BaseURL = baseURL
	cfg.UpstreamTimeout = 5 * time.Second
	return cfg
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), nil)
	assert.Error(t, err)

	cfg := validConfig()
	cfg.SigningSecret = nil
	_, err = New(context.Background(), cfg)
	assert.ErrorContains(t, err, EnvJWTSecretKey)
}

func TestNewResolvesBaseURLFromSSM(t *testing.T) {
	t.Parallel()
	p := upstreamtest.NewProvider(t)
	cfg := providerConfig(p, "")
	cfg.BaseURLParameterName = "/mcp/base-url"

	client := &mockSSMClient{value: strPtr("https://broker.example.com")}
	srv, err := New(context.Background(), cfg, WithSSMClientFactory(factoryFor(client, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	assert.Equal(t, "https://broker.example.com", srv.BaseURL())
	// The caller's configuration is left untouched.
	assert.Empty(t, cfg.BaseURL)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var md map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	assert.Equal(t, "https://broker.example.com", md["issuer"])
	assert.Equal(t, p.Endpoints().JWKSURL, md["jwks_uri"])
}

func TestNewFallsBackToMemoryStorage(t *testing.T) {
	t.Parallel()
	p := upstreamtest.NewProvider(t)
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := providerConfig(p, "https://broker.example.com")
	cfg.Storage = storage.Config{
		Type:  storage.TypeRedis,
		Redis: storage.RedisConfig{Addrs: []string{addr}, DialTimeout: 200 * time.Millisecond},
	}

	metrics := telemetry.NewMetrics()
	srv, err := New(context.Background(), cfg, WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	assert.IsType(t, &storage.MemoryStorage{}, srv.store)
	count, err := testutil.GatherAndCount(metrics.Registry(), "authbroker_storage_fallbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewValidatesUpstreamTokensAgainstConfiguredClient(t *testing.T) {
	t.Parallel()
	p := upstreamtest.NewProvider(t)

	srv, err := New(context.Background(), providerConfig(p, "https://broker.example.com"), WithStore(storage.NewMemoryStorage()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	tests := []struct {
		name       string
		overrides  jwt.MapClaims
		wantStatus int
	}{
		{name: "token for the broker's client", wantStatus: http.StatusOK},
		{name: "token for another client", overrides: jwt.MapClaims{"client_id": "someone-else"}, wantStatus: http.StatusUnauthorized},
		{name: "token from another issuer", overrides: jwt.MapClaims{"iss": "https://evil.example.com"}, wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", "Bearer "+p.AccessToken(t, tt.overrides))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestServerWriteTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		upstream time.Duration
		want     time.Duration
	}{
		{upstream: 30 * time.Second, want: 40 * time.Second},
		{upstream: 60 * time.Second, want: 70 * time.Second},
		{upstream: time.Second, want: 11 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.upstream.String(), func(t *testing.T) {
			t.Parallel()
			got := serverWriteTimeout(tt.upstream)
			assert.Equal(t, tt.want, got)
			assert.Greater(t, got, tt.upstream)
		})
	}
}

// TestServerEndToEnd runs the broker on a real listener and walks a user agent
// through registration, upstream login and the token exchange.
func TestServerEndToEnd(t *testing.T) {
	t.Parallel()
	p := upstreamtest.NewProvider(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	baseURL := "http://" + ln.Addr().String()

	srv, err := New(context.Background(), providerConfig(p, baseURL), WithStore(storage.NewMemoryStorage()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	const clientCallback = "https://client.example/cb"

	resp, err := http.Post(baseURL+"/register", "application/json",
		strings.NewReader(`{"client_name":"e2e","redirect_uris":["`+clientCallback+`"]}`))
	require.NoError(t, err)
	var client struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&client))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Follow redirects broker -> provider -> broker callback, and stop at the client.
	var landed *url.URL
	agent := &http.Client{CheckRedirect: func(req *http.Request, _ []*http.Request) error {
		if req.URL.Host == "client.example" {
			landed = req.URL
			return http.ErrUseLastResponse
		}
		return nil
	}}

	verifier := oauth2.GenerateVerifier()
	authorize := url.Values{
		"client_id":             {client.ClientID},
		"redirect_uri":          {clientCallback},
		"response_type":         {"code"},
		"state":                 {"xyz"},
		"scope":                 {"openid"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}
	resp, err = agent.Get(baseURL + "/authorize?" + authorize.Encode())
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.NotNil(t, landed, "user agent never reached the client redirect URI")
	assert.Equal(t, "xyz", landed.Query().Get("state"))

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {landed.Query().Get("code")},
		"redirect_uri":  {clientCallback},
		"code_verifier": {verifier},
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(client.ClientID, client.ClientSecret)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var tok struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, "openid", tok.Scope)

	req, err = http.NewRequest(http.MethodGet, baseURL+"/whoami", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func strPtr(s string) *string { return &s }

func TestWatchStorageHealth(t *testing.T) {
	t.Parallel()
	p := upstreamtest.NewProvider(t)
	mr := miniredis.RunT(t)

	store, err := storage.NewRedisStorage(context.Background(), storage.RedisConfig{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	srv, err := New(context.Background(), providerConfig(p, "https://broker.example.com"), WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.WatchStorageHealth(ctx, 5*time.Millisecond) }()

	mr.SetError("LOADING")
	time.Sleep(20 * time.Millisecond)
	mr.SetError("")
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WatchStorageHealth did not return after cancel")
	}
}
