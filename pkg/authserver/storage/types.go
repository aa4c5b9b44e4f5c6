// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the keyed, TTL-aware persistence used by the auth
// broker for registered clients, in-flight authorization sessions, broker
// authorization codes and broker refresh tokens.
//
// Every backend honours the same contract: a record read after its TTL has
// elapsed behaves exactly like a record that was never written, whether the
// backend prunes physically on its own schedule or evicts lazily on read.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go Store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("storage: record not found")

// EntityType namespaces records in the store. It forms the first half of every
// record's composite key.
type EntityType string

const (
	// EntityClient holds dynamically registered clients. Clients never expire.
	EntityClient EntityType = "CLIENT"

	// EntitySession holds authorization requests waiting for the upstream callback.
	EntitySession EntityType = "SESSION"

	// EntityCode holds broker authorization codes and the upstream tokens they map to.
	EntityCode EntityType = "CODE"

	// EntityRefreshToken holds broker refresh tokens and the upstream refresh token they map to.
	EntityRefreshToken EntityType = "REFRESH"
)

// Store is the keyed TTL store contract shared by all backends.
//
// Values are opaque bytes so that every backend round-trips them exactly.
// A ttl of zero or less stores the record without expiry.
type Store interface {
	// Put stores value under (entity, key), overwriting any existing record.
	Put(ctx context.Context, entity EntityType, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under (entity, key), or ErrNotFound if the
	// record is absent or expired.
	Get(ctx context.Context, entity EntityType, key string) ([]byte, error)

	// Update overwrites an existing record and resets its TTL. Like Put it does
	// not check for a previous version.
	Update(ctx context.Context, entity EntityType, key string, value []byte, ttl time.Duration) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, entity EntityType, key string) error

	// Take atomically reads and removes a record. Of several concurrent callers
	// for the same key, at most one receives the value; the rest get ErrNotFound.
	Take(ctx context.Context, entity EntityType, key string) ([]byte, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// compositeKey is the logical (entity_type, entity_id) key shared by all backends.
func compositeKey(entity EntityType, key string) string {
	return string(entity) + "#" + key
}

// expiresAt returns the absolute expiry for a ttl measured from now, or the
// zero time when the record should not expire.
func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// notFound wraps ErrNotFound with the record's identity.
func notFound(entity EntityType, key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, compositeKey(entity, redactKey(key)))
}

// redactKey keeps enough of a key for log correlation without exposing a usable secret.
func redactKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "***"
}

// PutJSON encodes v as JSON and stores it.
func PutJSON[T any](ctx context.Context, s Store, entity EntityType, key string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", entity, err)
	}
	return s.Put(ctx, entity, key, data, ttl)
}

// UpdateJSON encodes v as JSON and overwrites the stored record, resetting its TTL.
func UpdateJSON[T any](ctx context.Context, s Store, entity EntityType, key string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", entity, err)
	}
	return s.Update(ctx, entity, key, data, ttl)
}

// GetJSON reads a record and decodes it into a T.
func GetJSON[T any](ctx context.Context, s Store, entity EntityType, key string) (T, error) {
	var v T
	data, err := s.Get(ctx, entity, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s record: %w", entity, err)
	}
	return v, nil
}

// TakeJSON atomically reads and removes a record and decodes it into a T.
func TakeJSON[T any](ctx context.Context, s Store, entity EntityType, key string) (T, error) {
	var v T
	data, err := s.Take(ctx, entity, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s record: %w", entity, err)
	}
	return v, nil
}
