// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/stacklok/mcp-authbroker/pkg/logger"
)

// SSMClient defines the SSM operations used to resolve the base URL, enabling mock injection for testing.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// errEmptyParameter is returned when the SSM parameter exists but holds no value.
var errEmptyParameter = errors.New("parameter has no value")

// NewSSMClient creates an SSM client for region from the default credential chain.
func NewSSMClient(ctx context.Context, region string) (SSMClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ssm.NewFromConfig(cfg), nil
}

// ResolveBaseURL returns the broker's public URL. An explicit BaseURL wins.
// Otherwise the value of BaseURLParameterName is read from SSM Parameter
// Store. If neither is available, or the lookup fails, the broker falls back
// to http://localhost:{Port}.
//
// newClient is only called when a parameter lookup is needed.
func ResolveBaseURL(ctx context.Context, cfg *Config, newClient func(ctx context.Context, region string) (SSMClient, error)) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}

	fallback := fmt.Sprintf("http://localhost:%d", cfg.Port)
	if cfg.BaseURLParameterName == "" {
		logger.Debugw("no base URL configured, using localhost", "base_url", fallback)
		return fallback
	}

	value, err := getParameter(ctx, cfg, newClient)
	if err != nil {
		logger.Warnw("failed to read base URL from SSM, using localhost",
			"parameter", cfg.BaseURLParameterName,
			"base_url", fallback,
			"error", err,
		)
		return fallback
	}

	baseURL := strings.TrimRight(strings.TrimSpace(value), "/")
	if err := validateBaseURL(baseURL); err != nil {
		logger.Warnw("SSM parameter does not hold a valid base URL, using localhost",
			"parameter", cfg.BaseURLParameterName,
			"error", err,
		)
		return fallback
	}

	logger.Infow("resolved base URL from SSM", "parameter", cfg.BaseURLParameterName, "base_url", baseURL)
	return baseURL
}

func getParameter(ctx context.Context, cfg *Config, newClient func(ctx context.Context, region string) (SSMClient, error)) (string, error) {
	client, err := newClient(ctx, cfg.AWSRegion)
	if err != nil {
		return "", err
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(cfg.BaseURLParameterName),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if out == nil || out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", errEmptyParameter
	}
	return aws.ToString(out.Parameter.Value), nil
}
