// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/handlers"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/storage"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/upstream"
)

func TestLoadConfigDefaults(t *testing.T) { //nolint:paralleltest // uses t.Setenv
	t.Setenv(EnvCognitoClientID, "app-client")
	t.Setenv(EnvJWTSecretKey, "s3cret")

	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultAWSRegion, cfg.AWSRegion)
	assert.Equal(t, upstream.DefaultTimeout, cfg.UpstreamTimeout)
	assert.Equal(t, handlers.RedirectURIBindingWarn, cfg.RedirectURIBinding)
	assert.Equal(t, handlers.DefaultRegistrationRate, cfg.RegistrationRate)
	assert.Equal(t, handlers.DefaultRegistrationBurst, cfg.RegistrationBurst)
	assert.Equal(t, storage.TypeMemory, cfg.Storage.Type)
	assert.Equal(t, storage.DefaultRedisKeyPrefix, cfg.Storage.Redis.KeyPrefix)
	assert.Equal(t, []byte("s3cret"), cfg.SigningSecret)
	assert.Empty(t, cfg.BaseURL)
}

func TestLoadConfigFromEnvironment(t *testing.T) { //nolint:paralleltest // uses t.Setenv
	env := map[string]string{
		EnvCognitoDomain:        "my-domain",
		EnvAWSRegion:            "eu-central-1",
		EnvCognitoUserPoolID:    "eu-central-1_abc",
		EnvCognitoClientID:      "app-client",
		EnvCognitoClientSecret:  "app-secret",
		EnvJWTSecretKey:         "s3cret",
		EnvPort:                 "8080",
		EnvBaseURL:              "https://auth.example.com/",
		EnvStorageType:          "Redis",
		EnvRedisAddr:            "redis-a:6379, redis-b:6379",
		EnvRedisPassword:        "pw",
		EnvRedisDB:              "2",
		EnvRedisKeyPrefix:       "test:",
		EnvUpstreamTimeout:      "5s",
		EnvRedirectURIBinding:   "enforce",
		EnvRegistrationRate:     "2.5",
		EnvRegistrationBurst:    "4",
		EnvUpstreamIssuer:       "https://issuer.example",
		EnvBaseURLParameterName: "/mcp/base-url",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "https://auth.example.com", cfg.BaseURL)
	assert.Equal(t, "https://auth.example.com/callback", cfg.CallbackURL())
	assert.Equal(t, "/mcp/base-url", cfg.BaseURLParameterName)
	assert.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, handlers.RedirectURIBindingEnforce, cfg.RedirectURIBinding)
	assert.Equal(t, rate.Limit(2.5), cfg.RegistrationRate)
	assert.Equal(t, 4, cfg.RegistrationBurst)

	assert.Equal(t, storage.TypeRedis, cfg.Storage.Type)
	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Storage.Redis.Addrs)
	assert.Equal(t, "pw", cfg.Storage.Redis.Password)
	assert.Equal(t, 2, cfg.Storage.Redis.DB)
	assert.Equal(t, "test:", cfg.Storage.Redis.KeyPrefix)

	ep := cfg.UpstreamEndpoints()
	assert.Equal(t, "https://my-domain.auth.eu-central-1.amazoncognito.com/oauth2/authorize", ep.AuthorizationEndpoint)
	assert.Equal(t, "https://cognito-idp.eu-central-1.amazonaws.com/eu-central-1_abc/.well-known/jwks.json", ep.JWKSURL)
	assert.Equal(t, "https://issuer.example", ep.Issuer)
}

func TestLoadConfigStorageTypeFromTable(t *testing.T) { //nolint:paralleltest // uses t.Setenv
	t.Setenv(EnvTokenTableName, "mcp-tokens")

	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, storage.TypeDynamoDB, cfg.Storage.Type)
	assert.Equal(t, "mcp-tokens", cfg.Storage.DynamoDB.TableName)
	assert.Equal(t, DefaultAWSRegion, cfg.Storage.DynamoDB.Region)
}

func TestLoadConfigInvalidBinding(t *testing.T) { //nolint:paralleltest // uses t.Setenv
	t.Setenv(EnvRedirectURIBinding, "sometimes")

	_, err := LoadConfig(viper.New())
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Port:              DefaultPort,
		AWSRegion:         DefaultAWSRegion,
		CognitoDomain:     "my-domain",
		CognitoUserPoolID: "us-west-2_abc",
		CognitoClientID:   "app-client",
		SigningSecret:     []byte("s3cret"),
		UpstreamTimeout:   time.Second,
		Storage:           storage.Config{Type: storage.TypeMemory},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid"},
		{
			name:    "missing client id",
			mutate:  func(c *Config) { c.CognitoClientID = "" },
			wantErr: EnvCognitoClientID,
		},
		{
			name:    "missing signing secret",
			mutate:  func(c *Config) { c.SigningSecret = nil },
			wantErr: EnvJWTSecretKey,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: "invalid port",
		},
		{
			name:    "relative base URL",
			mutate:  func(c *Config) { c.BaseURL = "/broker" },
			wantErr: "base URL",
		},
		{
			name:    "no upstream",
			mutate:  func(c *Config) { c.CognitoDomain = "" },
			wantErr: "upstream endpoints",
		},
		{
			name: "all overrides without cognito",
			mutate: func(c *Config) {
				c.CognitoDomain, c.CognitoUserPoolID = "", ""
				c.UpstreamOverrides = upstream.Endpoints{
					AuthorizationEndpoint: "http://127.0.0.1:9000/authorize",
					TokenEndpoint:         "http://127.0.0.1:9000/token",
					JWKSURL:               "http://127.0.0.1:9000/jwks",
					Issuer:                "http://127.0.0.1:9000",
				}
			},
		},
		{
			name:    "redis without address",
			mutate:  func(c *Config) { c.Storage.Type = storage.TypeRedis },
			wantErr: EnvRedisAddr,
		},
		{
			name:    "dynamodb without table",
			mutate:  func(c *Config) { c.Storage.Type = storage.TypeDynamoDB },
			wantErr: EnvTokenTableName,
		},
		{
			name:    "unknown storage",
			mutate:  func(c *Config) { c.Storage.Type = "etcd" },
			wantErr: EnvStorageType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a"}, splitList(" a "))
	assert.Equal(t, []string{"a", "b"}, splitList("a,,b,"))
}
