// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package storage defines the content-addressed raw payload store. Blobs
// are stored gzip-compressed under the sha256 of the compressed bytes, so
// identical payloads share one stored copy.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default blob store error class. Retryable.
	Error = errs.Class("blob store")

	// ErrNotFound is returned when no blob exists under a ref.
	ErrNotFound = errs.Class("blob not found")

	// ErrInvalidRef is returned when a blob reference is malformed.
	ErrInvalidRef = errs.Class("invalid blob ref")
)

// ContentType is the media type of stored blobs.
const ContentType = "application/gzip"

// Ref addresses a stored blob: the lowercase sha256 hex digest of its
// compressed bytes.
type Ref string

// IsValid returns whether the ref is a well-formed sha256 hex digest.
func (ref Ref) IsValid() bool {
	if len(ref) != 64 {
		return false
	}
	for _, c := range ref {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Ref            Ref       `json:"hash"`
	OriginalSize   int64     `json:"originalSize"`
	CompressedSize int64     `json:"compressedSize"`
	UploadedAt     time.Time `json:"uploadedAt"`
}

// StoreStats summarizes the contents of a blob store.
type StoreStats struct {
	TotalBlobs   int64   `json:"totalBlobs"`
	TotalBytes   int64   `json:"totalBytes"`
	AvgBlobBytes float64 `json:"avgBlobBytes"`
}

// Blobs is a content-addressed blob store.
type Blobs interface {
	// Put compresses data and stores it under its content address. Putting
	// bytes that are already stored returns the existing blob's info; the
	// store enforces at most one blob per ref even under concurrent puts.
	Put(ctx context.Context, data []byte) (BlobInfo, error)

	// Open returns a reader over the decompressed payload. Decompression
	// errors surface on the returned stream, not from Open itself.
	Open(ctx context.Context, ref Ref) (io.ReadCloser, error)

	// Stat returns blob metadata without reading the payload.
	Stat(ctx context.Context, ref Ref) (BlobInfo, error)

	// Exists reports whether a blob is stored under ref.
	Exists(ctx context.Context, ref Ref) (bool, error)

	// Delete removes the blob. It reports whether a blob was removed.
	Delete(ctx context.Context, ref Ref) (bool, error)

	// Stats summarizes the store contents.
	Stats(ctx context.Context) (StoreStats, error)

	Close() error
}

// URLSigner is implemented by backends that can mint temporary download
// URLs for stored blobs.
type URLSigner interface {
	PresignURL(ctx context.Context, ref Ref, ttl time.Duration) (string, error)
}
