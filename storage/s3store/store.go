// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package s3store keeps blobs in an s3-compatible object store.
package s3store

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"xraygrid.io/xraygrid/storage"
)

var (
	// Error is the s3store error class.
	Error = errs.Class("s3store")

	mon = monkit.Package()
)

// user metadata key carrying the uncompressed payload size
const originalSizeKey = "original-size"

// Config is the s3-compatible blob store configuration.
type Config struct {
	Endpoint  string `help:"s3-compatible endpoint host:port" default:"localhost:9000"`
	AccessKey string `help:"access key for the s3 endpoint" default:""`
	SecretKey string `help:"secret key for the s3 endpoint" default:""`
	Bucket    string `help:"bucket holding raw payload blobs" default:"xray-raw"`
	UseSSL    bool   `help:"connect to the endpoint over tls" default:"true" testDefault:"false"`
}

// Store implements storage.Blobs on an s3-compatible endpoint.
type Store struct {
	client *minio.Client
	bucket string
}

var (
	_ storage.Blobs     = (*Store)(nil)
	_ storage.URLSigner = (*Store)(nil)
)

// OpenStore connects to the endpoint and ensures the bucket exists.
func OpenStore(ctx context.Context, config Config) (*Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	return &Store{client: client, bucket: config.Bucket}, nil
}

// Put compresses and uploads the blob. Identical content converges on the
// same key, so a concurrent overwrite is harmless.
func (store *Store) Put(ctx context.Context, data []byte) (_ storage.BlobInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	compressed, ref, err := storage.Compress(data)
	if err != nil {
		return storage.BlobInfo{}, err
	}

	info, err := store.client.PutObject(ctx, store.bucket, string(ref),
		bytes.NewReader(compressed), int64(len(compressed)),
		minio.PutObjectOptions{
			ContentType: storage.ContentType,
			UserMetadata: map[string]string{
				originalSizeKey: strconv.FormatInt(int64(len(data)), 10),
			},
		})
	if err != nil {
		return storage.BlobInfo{}, Error.Wrap(err)
	}

	uploaded := info.LastModified
	if uploaded.IsZero() {
		uploaded = time.Now()
	}
	return storage.BlobInfo{
		Ref:            ref,
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(compressed)),
		UploadedAt:     uploaded.UTC(),
	}, nil
}

// Open returns a decompressing reader over the stored blob.
func (store *Store) Open(ctx context.Context, ref storage.Ref) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return nil, storage.ErrInvalidRef.New("%q", ref)
	}

	// GetObject defers errors until the first read, so probe first to get
	// a usable not-found error.
	if _, err := store.stat(ctx, ref); err != nil {
		return nil, err
	}

	object, err := store.client.GetObject(ctx, store.bucket, string(ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return storage.NewGunzipReader(object), nil
}

// Stat returns blob metadata. The original size comes from user metadata
// written at upload.
func (store *Store) Stat(ctx context.Context, ref storage.Ref) (_ storage.BlobInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return storage.BlobInfo{}, storage.ErrInvalidRef.New("%q", ref)
	}

	object, err := store.stat(ctx, ref)
	if err != nil {
		return storage.BlobInfo{}, err
	}

	var originalSize int64
	for key, value := range object.UserMetadata {
		if strings.EqualFold(key, originalSizeKey) {
			originalSize, _ = strconv.ParseInt(value, 10, 64)
		}
	}

	return storage.BlobInfo{
		Ref:            ref,
		OriginalSize:   originalSize,
		CompressedSize: object.Size,
		UploadedAt:     object.LastModified.UTC(),
	}, nil
}

// Exists reports whether the blob is stored.
func (store *Store) Exists(ctx context.Context, ref storage.Ref) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return false, storage.ErrInvalidRef.New("%q", ref)
	}

	_, err = store.stat(ctx, ref)
	if storage.ErrNotFound.Has(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the blob object.
func (store *Store) Delete(ctx context.Context, ref storage.Ref) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return false, storage.ErrInvalidRef.New("%q", ref)
	}

	exists, err := store.Exists(ctx, ref)
	if err != nil || !exists {
		return false, err
	}
	err = store.client.RemoveObject(ctx, store.bucket, string(ref), minio.RemoveObjectOptions{})
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}

// Stats lists the bucket and sums blob counts and sizes.
func (store *Store) Stats(ctx context.Context) (_ storage.StoreStats, err error) {
	defer mon.Task()(&ctx)(&err)

	var stats storage.StoreStats
	for object := range store.client.ListObjects(ctx, store.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			return storage.StoreStats{}, Error.Wrap(object.Err)
		}
		stats.TotalBlobs++
		stats.TotalBytes += object.Size
	}
	if stats.TotalBlobs > 0 {
		stats.AvgBlobBytes = float64(stats.TotalBytes) / float64(stats.TotalBlobs)
	}
	return stats, nil
}

// PresignURL returns a time-limited download URL for the compressed blob.
func (store *Store) PresignURL(ctx context.Context, ref storage.Ref, ttl time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return "", storage.ErrInvalidRef.New("%q", ref)
	}

	signed, err := store.client.PresignedGetObject(ctx, store.bucket, string(ref), ttl, url.Values{})
	if err != nil {
		return "", Error.Wrap(err)
	}
	return signed.String(), nil
}

// Close releases resources. The s3 client holds no persistent connections.
func (store *Store) Close() error { return nil }

func (store *Store) stat(ctx context.Context, ref storage.Ref) (minio.ObjectInfo, error) {
	info, err := store.client.StatObject(ctx, store.bucket, string(ref), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return minio.ObjectInfo{}, storage.ErrNotFound.New("%s", ref)
		}
		return minio.ObjectInfo{}, Error.Wrap(err)
	}
	return info, nil
}
