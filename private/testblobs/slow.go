// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package testblobs

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"xraygrid.io/xraygrid/storage"
)

// SlowBlobs implements a slow blob store.
type SlowBlobs struct {
	delay int64 // time.Duration
	blobs storage.Blobs
	log   *zap.Logger
}

// NewSlowBlobs creates a new slow blob store wrapping the provided blobs.
// Use SetLatency to dynamically configure the latency of all operations.
func NewSlowBlobs(log *zap.Logger, blobs storage.Blobs) *SlowBlobs {
	return &SlowBlobs{
		log:   log,
		blobs: blobs,
	}
}

// SetLatency configures the blob store to sleep for delay duration for all
// operations. A zero or negative delay means no sleep.
func (slow *SlowBlobs) SetLatency(delay time.Duration) {
	atomic.StoreInt64(&slow.delay, int64(delay))
}

// sleep sleeps for the duration set to slow.delay
func (slow *SlowBlobs) sleep() {
	delay := time.Duration(atomic.LoadInt64(&slow.delay))
	time.Sleep(delay)
}

// Put stores the blob after the configured delay.
func (slow *SlowBlobs) Put(ctx context.Context, data []byte) (storage.BlobInfo, error) {
	slow.sleep()
	return slow.blobs.Put(ctx, data)
}

// Open opens a reader over the blob after the configured delay.
func (slow *SlowBlobs) Open(ctx context.Context, ref storage.Ref) (io.ReadCloser, error) {
	slow.sleep()
	return slow.blobs.Open(ctx, ref)
}

// Stat returns blob metadata after the configured delay.
func (slow *SlowBlobs) Stat(ctx context.Context, ref storage.Ref) (storage.BlobInfo, error) {
	slow.sleep()
	return slow.blobs.Stat(ctx, ref)
}

// Exists reports whether the blob is stored after the configured delay.
func (slow *SlowBlobs) Exists(ctx context.Context, ref storage.Ref) (bool, error) {
	slow.sleep()
	return slow.blobs.Exists(ctx, ref)
}

// Delete removes the blob after the configured delay.
func (slow *SlowBlobs) Delete(ctx context.Context, ref storage.Ref) (bool, error) {
	slow.sleep()
	return slow.blobs.Delete(ctx, ref)
}

// Stats sums stored blobs after the configured delay.
func (slow *SlowBlobs) Stats(ctx context.Context) (storage.StoreStats, error) {
	slow.sleep()
	return slow.blobs.Stats(ctx)
}

// Close closes the wrapped blob store.
func (slow *SlowBlobs) Close() error {
	return slow.blobs.Close()
}
