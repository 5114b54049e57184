// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testblobs provides blob store wrappers for fault injection in
// tests.
package testblobs

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"xraygrid.io/xraygrid/storage"
)

// BadBlobs implements a blob store that can be configured to fail.
type BadBlobs struct {
	mu    sync.Mutex
	err   error
	blobs storage.Blobs
	log   *zap.Logger
}

// NewBadBlobs creates a new bad blob store wrapping the provided blobs.
// Use SetError to manually configure the error returned by all operations.
func NewBadBlobs(log *zap.Logger, blobs storage.Blobs) *BadBlobs {
	return &BadBlobs{
		log:   log,
		blobs: blobs,
	}
}

// SetError sets an error to be returned for all operations.
func (bad *BadBlobs) SetError(err error) {
	bad.mu.Lock()
	defer bad.mu.Unlock()
	bad.err = err
}

func (bad *BadBlobs) setError() error {
	bad.mu.Lock()
	defer bad.mu.Unlock()
	return bad.err
}

// Put stores the blob unless an error is set.
func (bad *BadBlobs) Put(ctx context.Context, data []byte) (storage.BlobInfo, error) {
	if err := bad.setError(); err != nil {
		return storage.BlobInfo{}, err
	}
	return bad.blobs.Put(ctx, data)
}

// Open opens a reader over the blob unless an error is set.
func (bad *BadBlobs) Open(ctx context.Context, ref storage.Ref) (io.ReadCloser, error) {
	if err := bad.setError(); err != nil {
		return nil, err
	}
	return bad.blobs.Open(ctx, ref)
}

// Stat returns blob metadata unless an error is set.
func (bad *BadBlobs) Stat(ctx context.Context, ref storage.Ref) (storage.BlobInfo, error) {
	if err := bad.setError(); err != nil {
		return storage.BlobInfo{}, err
	}
	return bad.blobs.Stat(ctx, ref)
}

// Exists reports whether the blob is stored unless an error is set.
func (bad *BadBlobs) Exists(ctx context.Context, ref storage.Ref) (bool, error) {
	if err := bad.setError(); err != nil {
		return false, err
	}
	return bad.blobs.Exists(ctx, ref)
}

// Delete removes the blob unless an error is set.
func (bad *BadBlobs) Delete(ctx context.Context, ref storage.Ref) (bool, error) {
	if err := bad.setError(); err != nil {
		return false, err
	}
	return bad.blobs.Delete(ctx, ref)
}

// Stats sums stored blobs unless an error is set.
func (bad *BadBlobs) Stats(ctx context.Context) (storage.StoreStats, error) {
	if err := bad.setError(); err != nil {
		return storage.StoreStats{}, err
	}
	return bad.blobs.Stats(ctx)
}

// Close closes the blob store unless an error is set.
func (bad *BadBlobs) Close() error {
	if err := bad.setError(); err != nil {
		return err
	}
	return bad.blobs.Close()
}
