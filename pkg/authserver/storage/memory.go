// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/mcp-authbroker/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

// expired reports whether the entry is past its expiry at now.
// Entries with a zero expiry never expire.
func (e *timedEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStorage implements Store with an in-process map.
// It is safe for concurrent use and is the volatile fallback backend: its
// contents do not survive a restart and are not shared between replicas.
//
// Expiry is enforced in two places under the same lock: every read checks the
// entry and evicts it if expired before answering, and a background sweeper
// periodically drops expired entries nobody asked for.
type MemoryStorage struct {
	mu      sync.Mutex
	entries map[string]*timedEntry

	// now is the clock; replaced in tests.
	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// withClock replaces the clock used for expiry decisions.
func withClock(now func() time.Time) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

// NewMemoryStorage creates a new MemoryStorage and starts the background sweeper.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		entries:         make(map[string]*timedEntry),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Put stores a copy of value under (entity, key).
func (s *MemoryStorage) Put(_ context.Context, entity EntityType, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[compositeKey(entity, key)] = &timedEntry{
		value:     slices.Clone(value),
		createdAt: now,
		expiresAt: expiresAt(now, ttl),
	}
	return nil
}

// Update overwrites (entity, key) and resets its TTL.
func (s *MemoryStorage) Update(ctx context.Context, entity EntityType, key string, value []byte, ttl time.Duration) error {
	return s.Put(ctx, entity, key, value, ttl)
}

// Get returns a copy of the value stored under (entity, key). An expired entry
// is evicted inside the same critical section that observed it.
func (s *MemoryStorage) Get(_ context.Context, entity EntityType, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookupLocked(compositeKey(entity, key))
	if !ok {
		return nil, notFound(entity, key)
	}
	return slices.Clone(entry.value), nil
}

// Take returns and removes the value stored under (entity, key).
func (s *MemoryStorage) Take(_ context.Context, entity EntityType, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := compositeKey(entity, key)
	entry, ok := s.lookupLocked(k)
	if !ok {
		return nil, notFound(entity, key)
	}
	delete(s.entries, k)
	return entry.value, nil
}

// Delete removes (entity, key) if present.
func (s *MemoryStorage) Delete(_ context.Context, entity EntityType, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, compositeKey(entity, key))
	return nil
}

// lookupLocked returns the live entry for k, evicting it if expired.
// The caller must hold s.mu.
func (s *MemoryStorage) lookupLocked(k string) (*timedEntry, bool) {
	entry, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	if entry.expired(s.now()) {
		delete(s.entries, k)
		return nil, false
	}
	return entry, true
}

// Len returns the number of entries currently held, including expired ones
// the sweeper has not reached yet.
func (s *MemoryStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
// It is safe to call more than once.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired entries.
func (s *MemoryStorage) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}

	if removed > 0 {
		logger.Debugw("removed expired storage entries", "count", removed)
	}
}
