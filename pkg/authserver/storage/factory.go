// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"

	"github.com/stacklok/mcp-authbroker/pkg/logger"
)

// FallbackFunc is told which durable backend failed when NewStorage degrades to memory.
type FallbackFunc func(backend Type, cause error)

// NewStorage creates a Store based on cfg. If cfg is nil, memory storage is used.
//
// A durable backend that cannot be reached at startup does not fail the
// process: NewStorage logs a warning, calls onFallback (if non-nil) and
// returns memory storage instead. Configuration errors are still returned.
func NewStorage(ctx context.Context, cfg *Config, onFallback FallbackFunc) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var (
		store Store
		err   error
	)
	switch cfg.Type {
	case TypeMemory, "":
		return newMemoryFromConfig(cfg), nil
	case TypeRedis:
		if len(cfg.Redis.Addrs) == 0 {
			return nil, fmt.Errorf("redis address is required for %s storage", TypeRedis)
		}
		store, err = NewRedisStorage(ctx, cfg.Redis)
	case TypeDynamoDB:
		if cfg.DynamoDB.TableName == "" {
			return nil, fmt.Errorf("table name is required for %s storage", TypeDynamoDB)
		}
		store, err = NewDynamoDBStorage(ctx, cfg.DynamoDB)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}

	if err != nil {
		logger.Warnw("durable storage unavailable, falling back to in-memory storage",
			"backend", string(cfg.Type),
			"error", err,
		)
		if onFallback != nil {
			onFallback(cfg.Type, err)
		}
		return newMemoryFromConfig(cfg), nil
	}

	logger.Infow("storage backend initialized", "backend", string(cfg.Type))
	return store, nil
}

func newMemoryFromConfig(cfg *Config) *MemoryStorage {
	var opts []MemoryStorageOption
	if cfg.CleanupInterval > 0 {
		opts = append(opts, WithCleanupInterval(cfg.CleanupInterval))
	}
	return NewMemoryStorage(opts...)
}
