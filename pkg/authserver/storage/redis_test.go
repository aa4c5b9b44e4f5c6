// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisStorage(t *testing.T) {
	t.Parallel()

	t.Run("requires an address", func(t *testing.T) {
		t.Parallel()
		_, err := NewRedisStorage(context.Background(), RedisConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one address")
	})

	t.Run("connects and applies default prefix", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)

		s, err := NewRedisStorage(context.Background(), RedisConfig{Addrs: []string{mr.Addr()}})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		require.NoError(t, s.Put(context.Background(), EntityClient, "c", []byte("v"), 0))
		assert.True(t, mr.Exists(DefaultRedisKeyPrefix+"CLIENT#c"))
	})

	t.Run("unreachable server", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := NewRedisStorage(context.Background(), RedisConfig{
			Addrs:       []string{addr},
			DialTimeout: 100 * time.Millisecond,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to redis")
	})
}

func TestRedisStorage_SetsTTL(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := NewRedisStorageWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "p:")
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, EntityCode, "code", []byte("v"), DefaultAuthCodeTTL))
	require.NoError(t, s.Put(ctx, EntityClient, "client", []byte("v"), 0))

	assert.Equal(t, DefaultAuthCodeTTL, mr.TTL("p:CODE#code"))
	assert.Equal(t, time.Duration(0), mr.TTL("p:CLIENT#client"))
}
