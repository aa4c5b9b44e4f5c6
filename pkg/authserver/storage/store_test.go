// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock shared by a backend and its test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// backend is a Store under test plus a way to move its notion of time forward.
type backend struct {
	store   Store
	advance func(time.Duration)
}

// backends returns one constructor per Store implementation so every test
// below runs against all of them.
func backends() map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend {
			t.Helper()
			clock := newFakeClock()
			s := NewMemoryStorage(withClock(clock.Now))
			t.Cleanup(func() { _ = s.Close() })
			return backend{store: s, advance: clock.Advance}
		},
		"redis": func(t *testing.T) backend {
			t.Helper()
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStorageWithClient(client, "test:")
			t.Cleanup(func() { _ = s.Close() })
			return backend{store: s, advance: mr.FastForward}
		},
		"dynamodb": func(t *testing.T) backend {
			t.Helper()
			clock := newFakeClock()
			s := NewDynamoDBStorageWithClient(newFakeDynamoDB(), "tokens")
			s.now = clock.Now
			return backend{store: s, advance: clock.Advance}
		},
	}
}

// forEachBackend runs fn as a parallel subtest for every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	t.Helper()
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, newBackend(t))
		})
	}
}

func TestStore_PutGet(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		require.NoError(t, b.store.Put(ctx, EntityClient, "client-1", []byte(`{"client_id":"client-1"}`), 0))

		got, err := b.store.Get(ctx, EntityClient, "client-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"client_id":"client-1"}`, string(got))

		_, err = b.store.Get(ctx, EntityClient, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		// The same key under another entity type is a different record.
		_, err = b.store.Get(ctx, EntitySession, "client-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_PutOverwritesAndUpdateResetsTTL(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		require.NoError(t, b.store.Put(ctx, EntityRefreshToken, "rt", []byte("v1"), time.Hour))
		require.NoError(t, b.store.Put(ctx, EntityRefreshToken, "rt", []byte("v2"), time.Hour))

		got, err := b.store.Get(ctx, EntityRefreshToken, "rt")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got))

		b.advance(50 * time.Minute)
		require.NoError(t, b.store.Update(ctx, EntityRefreshToken, "rt", []byte("v3"), time.Hour))

		// Past the original expiry but within the renewed TTL.
		b.advance(30 * time.Minute)
		got, err = b.store.Get(ctx, EntityRefreshToken, "rt")
		require.NoError(t, err)
		assert.Equal(t, "v3", string(got))
	})
}

func TestStore_Expiry(t *testing.T) {
	t.Parallel()

	ttls := map[EntityType]time.Duration{
		EntitySession:      DefaultSessionTTL,
		EntityCode:         DefaultAuthCodeTTL,
		EntityRefreshToken: DefaultRefreshTokenTTL,
	}

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		for entity, ttl := range ttls {
			require.NoError(t, b.store.Put(ctx, entity, "k", []byte("v"), ttl))
		}
		require.NoError(t, b.store.Put(ctx, EntityClient, "k", []byte("v"), 0))

		// Codes expire first, sessions next, refresh tokens last. Clients never do.
		b.advance(DefaultAuthCodeTTL + time.Second)
		_, err := b.store.Get(ctx, EntityCode, "k")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = b.store.Get(ctx, EntitySession, "k")
		assert.NoError(t, err)

		b.advance(DefaultSessionTTL)
		_, err = b.store.Get(ctx, EntitySession, "k")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = b.store.Take(ctx, EntityRefreshToken, "k")
		assert.NoError(t, err, "take should still see the refresh token")

		require.NoError(t, b.store.Put(ctx, EntityRefreshToken, "k2", []byte("v"), DefaultRefreshTokenTTL))
		b.advance(DefaultRefreshTokenTTL + time.Second)
		_, err = b.store.Take(ctx, EntityRefreshToken, "k2")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = b.store.Get(ctx, EntityClient, "k")
		assert.NoError(t, err)
	})
}

func TestStore_TakeIsSingleUse(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.Put(ctx, EntityCode, "code", []byte("mapping"), DefaultAuthCodeTTL))

		got, err := b.store.Take(ctx, EntityCode, "code")
		require.NoError(t, err)
		assert.Equal(t, "mapping", string(got))

		_, err = b.store.Take(ctx, EntityCode, "code")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = b.store.Get(ctx, EntityCode, "code")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ConcurrentTake(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.Put(ctx, EntityCode, "race", []byte("mapping"), DefaultAuthCodeTTL))

		var winners atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := b.store.Take(ctx, EntityCode, "race"); err == nil {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
	})
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.Put(ctx, EntitySession, "s", []byte("v"), DefaultSessionTTL))

		require.NoError(t, b.store.Delete(ctx, EntitySession, "s"))
		_, err := b.store.Get(ctx, EntitySession, "s")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting again is not an error.
		assert.NoError(t, b.store.Delete(ctx, EntitySession, "s"))
		assert.NoError(t, b.store.Health(ctx))
	})
}

type numericRecord struct {
	CreatedAt int64   `json:"created_at"`
	ExpiresIn int64   `json:"expires_in"`
	Ratio     float64 `json:"ratio"`
	Label     string  `json:"label"`
}

func TestStore_JSONRoundTripIsExact(t *testing.T) {
	t.Parallel()

	want := numericRecord{
		CreatedAt: 1750000000123,
		ExpiresIn: 9007199254740993, // beyond float64 integer precision
		Ratio:     0.1,
		Label:     "naïve ☃",
	}

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		require.NoError(t, PutJSON(ctx, b.store, EntityCode, "n", want, DefaultAuthCodeTTL))
		got, err := GetJSON[numericRecord](ctx, b.store, EntityCode, "n")
		require.NoError(t, err)
		assert.Equal(t, want, got)

		require.NoError(t, UpdateJSON(ctx, b.store, EntityCode, "n", want, DefaultAuthCodeTTL))
		taken, err := TakeJSON[numericRecord](ctx, b.store, EntityCode, "n")
		require.NoError(t, err)
		assert.Equal(t, want, taken)

		_, err = GetJSON[numericRecord](ctx, b.store, EntityCode, "n")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetJSON_DecodeError(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, EntityClient, "bad", []byte("not json"), 0))

	_, err := GetJSON[numericRecord](ctx, s, EntityClient, "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNotFoundErrorRedactsKey(t *testing.T) {
	t.Parallel()

	err := notFound(EntityCode, "supersecretcodevalue")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotContains(t, err.Error(), "supersecretcodevalue")
	assert.Contains(t, err.Error(), "CODE#supe***")
}
