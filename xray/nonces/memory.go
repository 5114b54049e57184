// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package nonces

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local nonce store. Claims do not survive
// restarts; it exists for tests and single-process development setups.
type MemoryStore struct {
	mu      sync.Mutex
	claims  map[string]time.Time
	nowFn   func() time.Time
	stopped bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims: make(map[string]time.Time),
		nowFn:  time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (store *MemoryStore) SetNow(nowFn func() time.Time) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.nowFn = nowFn
}

// Claim reserves the nonce until its deadline passes.
func (store *MemoryStore) Claim(ctx context.Context, deviceID, nonce string, ttl time.Duration) (fresh bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, ErrUnavailable.Wrap(err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if store.stopped {
		return false, ErrUnavailable.New("store closed")
	}

	now := store.nowFn()
	key := nonceKey(deviceID, nonce)

	if deadline, ok := store.claims[key]; ok && now.Before(deadline) {
		return false, nil
	}

	store.claims[key] = now.Add(ttl)

	// drop expired entries on the way through
	for key, deadline := range store.claims {
		if now.After(deadline) {
			delete(store.claims, key)
		}
	}
	return true, nil
}

// Ping reports whether the store is still usable.
func (store *MemoryStore) Ping(ctx context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.stopped {
		return ErrUnavailable.New("store closed")
	}
	return nil
}

// Close marks the store unusable.
func (store *MemoryStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.stopped = true
	store.claims = nil
	return nil
}
