// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultRedisKeyPrefix namespaces broker keys in a shared Redis.
const DefaultRedisKeyPrefix = "authbroker:"

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addrs lists the Redis server address, or the Sentinel addresses when MasterName is set.
	Addrs []string

	// MasterName selects Sentinel failover mode when non-empty.
	MasterName string

	// Username and Password authenticate with the server (ACL user or legacy password).
	Username string
	Password string

	// DB is the logical database number.
	DB int

	// KeyPrefix is prepended to every key. Defaults to DefaultRedisKeyPrefix.
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements Store on Redis. Expiry is delegated to Redis key TTLs,
// so an expired key is gone by the time anyone reads it.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("invalid redis configuration: at least one address is required")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStorage) key(entity EntityType, key string) string {
	return s.keyPrefix + compositeKey(entity, key)
}

// Put stores value with the given TTL. A non-positive ttl stores the key without expiry.
func (s *RedisStorage) Put(ctx context.Context, entity EntityType, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(entity, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s record: %w", entity, err)
	}
	return nil
}

// Update overwrites the key and resets its TTL.
func (s *RedisStorage) Update(ctx context.Context, entity EntityType, key string, value []byte, ttl time.Duration) error {
	return s.Put(ctx, entity, key, value, ttl)
}

// Get returns the stored value or ErrNotFound.
func (s *RedisStorage) Get(ctx context.Context, entity EntityType, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(entity, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(entity, key)
		}
		return nil, fmt.Errorf("failed to read %s record: %w", entity, err)
	}
	return data, nil
}

// Take reads and deletes the key with a single GETDEL.
func (s *RedisStorage) Take(ctx context.Context, entity EntityType, key string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, s.key(entity, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(entity, key)
		}
		return nil, fmt.Errorf("failed to take %s record: %w", entity, err)
	}
	return data, nil
}

// Delete removes the key.
func (s *RedisStorage) Delete(ctx context.Context, entity EntityType, key string) error {
	if err := s.client.Del(ctx, s.key(entity, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s record: %w", entity, err)
	}
	return nil
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
