// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-process storage. It is also the fallback when a durable backend fails.
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis server, standalone or behind Sentinel.
	TypeRedis Type = "redis"

	// TypeDynamoDB uses a DynamoDB table.
	TypeDynamoDB Type = "dynamodb"
)

const (
	// DefaultCleanupInterval is how often the in-memory sweeper runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultSessionTTL bounds how long an authorization request may wait for the upstream callback.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultAuthCodeTTL is the lifetime of a broker authorization code.
	DefaultAuthCodeTTL = 10 * time.Minute

	// DefaultRefreshTokenTTL is the sliding lifetime of a broker refresh token.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour // 30 days
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type

	// Redis is used when Type is TypeRedis.
	Redis RedisConfig

	// DynamoDB is used when Type is TypeDynamoDB.
	DynamoDB DynamoDBConfig

	// CleanupInterval overrides DefaultCleanupInterval for the memory backend.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}
