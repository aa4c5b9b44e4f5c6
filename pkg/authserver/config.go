// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/server/handlers"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/storage"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/upstream"
	"github.com/stacklok/mcp-authbroker/pkg/logger"
)

// Environment variables read by LoadConfig.
const (
	EnvCognitoDomain        = "COGNITO_DOMAIN"
	EnvAWSRegion            = "AWS_REGION"
	EnvCognitoUserPoolID    = "COGNITO_USER_POOL_ID"
	EnvCognitoClientID      = "COGNITO_CLIENT_ID"
	EnvCognitoClientSecret  = "COGNITO_CLIENT_SECRET"
	EnvJWTSecretKey         = "JWT_SECRET_KEY"
	EnvPort                 = "PORT"
	EnvBaseURL              = "MCP_SERVER_BASE_URL"
	EnvBaseURLParameterName = "MCP_SERVER_BASE_URL_PARAMETER_NAME"
	EnvTokenTableName       = "TOKEN_TABLE_NAME"
	EnvDynamoDBEndpoint     = "DYNAMODB_ENDPOINT"
	EnvStorageType          = "STORAGE_TYPE"
	EnvRedisAddr            = "REDIS_ADDR"
	EnvRedisPassword        = "REDIS_PASSWORD"
	EnvRedisDB              = "REDIS_DB"
	EnvRedisKeyPrefix       = "REDIS_KEY_PREFIX"
	EnvUpstreamTimeout      = "UPSTREAM_TIMEOUT"
	EnvRedirectURIBinding   = "REDIRECT_URI_BINDING"
	EnvRegistrationRate     = "REGISTRATION_RATE_LIMIT"
	EnvRegistrationBurst    = "REGISTRATION_BURST"
	EnvUpstreamAuthorizeURL = "UPSTREAM_AUTHORIZATION_ENDPOINT"
	EnvUpstreamTokenURL     = "UPSTREAM_TOKEN_ENDPOINT"
	EnvUpstreamJWKSURL      = "UPSTREAM_JWKS_URL"
	EnvUpstreamIssuer       = "UPSTREAM_ISSUER"
)

// Defaults applied by LoadConfig.
const (
	DefaultAWSRegion = "us-west-2"
	DefaultPort      = 2299
)

// viper keys, one per environment variable.
var envBindings = map[string]string{
	"cognito.domain":              EnvCognitoDomain,
	"aws.region":                  EnvAWSRegion,
	"cognito.user_pool_id":        EnvCognitoUserPoolID,
	"cognito.client_id":           EnvCognitoClientID,
	"cognito.client_secret":       EnvCognitoClientSecret,
	"jwt.secret_key":              EnvJWTSecretKey,
	"port":                        EnvPort,
	"base_url":                    EnvBaseURL,
	"base_url_parameter_name":     EnvBaseURLParameterName,
	"storage.table_name":          EnvTokenTableName,
	"storage.dynamodb_endpoint":   EnvDynamoDBEndpoint,
	"storage.type":                EnvStorageType,
	"storage.redis.addr":          EnvRedisAddr,
	"storage.redis.password":      EnvRedisPassword,
	"storage.redis.db":            EnvRedisDB,
	"storage.redis.key_prefix":    EnvRedisKeyPrefix,
	"upstream.timeout":            EnvUpstreamTimeout,
	"upstream.authorize_endpoint": EnvUpstreamAuthorizeURL,
	"upstream.token_endpoint":     EnvUpstreamTokenURL,
	"upstream.jwks_url":           EnvUpstreamJWKSURL,
	"upstream.issuer":             EnvUpstreamIssuer,
	"redirect_uri_binding":        EnvRedirectURIBinding,
	"registration.rate":           EnvRegistrationRate,
	"registration.burst":          EnvRegistrationBurst,
}

// Config is the resolved configuration of the broker. It is built once at
// startup and is not modified afterwards.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int

	// BaseURL is the public URL of the broker. When empty it is resolved by ResolveBaseURL.
	BaseURL string

	// BaseURLParameterName names an SSM parameter holding the base URL.
	BaseURLParameterName string

	// AWSRegion is used for Cognito endpoints, DynamoDB and SSM.
	AWSRegion string

	// Cognito identifies the upstream user pool and the broker's app client.
	CognitoDomain       string
	CognitoUserPoolID   string
	CognitoClientID     string
	CognitoClientSecret string

	// SigningSecret is the HS256 key for broker access tokens.
	SigningSecret []byte

	// UpstreamOverrides replaces individual Cognito endpoints when set.
	UpstreamOverrides upstream.Endpoints

	// UpstreamTimeout bounds every outbound call to the provider.
	UpstreamTimeout time.Duration

	// RedirectURIBinding selects the redirect_uri check at the token endpoint.
	RedirectURIBinding handlers.RedirectURIBinding

	// RegistrationRate and RegistrationBurst bound POST /register.
	RegistrationRate  rate.Limit
	RegistrationBurst int

	// Storage configures the record store.
	Storage storage.Config
}

// LoadConfig reads the configuration from the environment through v.
// A nil v uses a fresh viper instance.
func LoadConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	v.SetDefault("aws.region", DefaultAWSRegion)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("upstream.timeout", upstream.DefaultTimeout)
	v.SetDefault("storage.redis.key_prefix", storage.DefaultRedisKeyPrefix)
	v.SetDefault("registration.rate", float64(handlers.DefaultRegistrationRate))
	v.SetDefault("registration.burst", handlers.DefaultRegistrationBurst)

	binding, err := handlers.ParseRedirectURIBinding(v.GetString("redirect_uri_binding"))
	if err != nil {
		return nil, err
	}

	storageType := storage.Type(strings.ToLower(v.GetString("storage.type")))
	if storageType == "" {
		storageType = storage.TypeMemory
		if v.GetString("storage.table_name") != "" {
			storageType = storage.TypeDynamoDB
		}
	}

	region := v.GetString("aws.region")
	cfg := &Config{
		Port:                 v.GetInt("port"),
		BaseURL:              strings.TrimRight(v.GetString("base_url"), "/"),
		BaseURLParameterName: v.GetString("base_url_parameter_name"),
		AWSRegion:            region,
		CognitoDomain:        v.GetString("cognito.domain"),
		CognitoUserPoolID:    v.GetString("cognito.user_pool_id"),
		CognitoClientID:      v.GetString("cognito.client_id"),
		CognitoClientSecret:  v.GetString("cognito.client_secret"),
		SigningSecret:        []byte(v.GetString("jwt.secret_key")),
		UpstreamOverrides: upstream.Endpoints{
			AuthorizationEndpoint: v.GetString("upstream.authorize_endpoint"),
			TokenEndpoint:         v.GetString("upstream.token_endpoint"),
			JWKSURL:               v.GetString("upstream.jwks_url"),
			Issuer:                v.GetString("upstream.issuer"),
		},
		UpstreamTimeout:    v.GetDuration("upstream.timeout"),
		RedirectURIBinding: binding,
		RegistrationRate:   rate.Limit(v.GetFloat64("registration.rate")),
		RegistrationBurst:  v.GetInt("registration.burst"),
		Storage: storage.Config{
			Type: storageType,
			Redis: storage.RedisConfig{
				Addrs:     splitList(v.GetString("storage.redis.addr")),
				Password:  v.GetString("storage.redis.password"),
				DB:        v.GetInt("storage.redis.db"),
				KeyPrefix: v.GetString("storage.redis.key_prefix"),
			},
			DynamoDB: storage.DynamoDBConfig{
				TableName: v.GetString("storage.table_name"),
				Region:    region,
				Endpoint:  v.GetString("storage.dynamodb_endpoint"),
			},
		},
	}

	logger.Debugw("loaded broker configuration",
		"port", cfg.Port,
		"storage", string(cfg.Storage.Type),
		"redirect_uri_binding", string(cfg.RedirectURIBinding),
		"has_base_url", cfg.BaseURL != "",
	)
	return cfg, nil
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	if c.CognitoClientID == "" {
		return fmt.Errorf("%s is required", EnvCognitoClientID)
	}
	if len(c.SigningSecret) == 0 {
		return fmt.Errorf("%s is required", EnvJWTSecretKey)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvUpstreamTimeout)
	}
	if c.BaseURL != "" {
		if err := validateBaseURL(c.BaseURL); err != nil {
			return err
		}
	}
	if err := c.UpstreamEndpoints().Validate(); err != nil {
		return fmt.Errorf("upstream endpoints: %w (set %s and %s, or every UPSTREAM_* override)",
			err, EnvCognitoDomain, EnvCognitoUserPoolID)
	}

	switch c.Storage.Type {
	case storage.TypeMemory:
	case storage.TypeRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			return fmt.Errorf("%s is required for redis storage", EnvRedisAddr)
		}
	case storage.TypeDynamoDB:
		if c.Storage.DynamoDB.TableName == "" {
			return fmt.Errorf("%s is required for dynamodb storage", EnvTokenTableName)
		}
	default:
		return fmt.Errorf("invalid %s %q", EnvStorageType, c.Storage.Type)
	}
	return nil
}

// UpstreamEndpoints returns the Cognito endpoints with any overrides applied.
func (c *Config) UpstreamEndpoints() upstream.Endpoints {
	var ep upstream.Endpoints
	if c.CognitoDomain != "" && c.CognitoUserPoolID != "" {
		ep = upstream.CognitoEndpoints(c.CognitoDomain, c.AWSRegion, c.CognitoUserPoolID)
	}
	o := c.UpstreamOverrides
	if o.AuthorizationEndpoint != "" {
		ep.AuthorizationEndpoint = o.AuthorizationEndpoint
	}
	if o.TokenEndpoint != "" {
		ep.TokenEndpoint = o.TokenEndpoint
	}
	if o.JWKSURL != "" {
		ep.JWKSURL = o.JWKSURL
	}
	if o.Issuer != "" {
		ep.Issuer = o.Issuer
	}
	return ep
}

// CallbackURL is the redirect URI registered with the upstream provider.
func (c *Config) CallbackURL() string {
	return c.BaseURL + "/callback"
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("base URL must use http or https")
	}
	if u.Host == "" {
		return errors.New("base URL must be absolute")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
