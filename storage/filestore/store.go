// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package filestore implements the blob store on a local directory. Blobs
// land in a two-level fan-out under their content address.
package filestore

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"xraygrid.io/xraygrid/storage"
)

var (
	// Error is the filestore error class.
	Error = errs.Class("filestore")

	mon = monkit.Package()
)

// Store implements storage.Blobs on the local filesystem.
type Store struct {
	dir string
}

// New creates the store directory if needed and returns the store.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, Error.New("directory is not set")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{dir: dir}, nil
}

// pathFor fans refs out over two directory levels to keep listings short.
func (store *Store) pathFor(ref storage.Ref) string {
	r := string(ref)
	return filepath.Join(store.dir, r[0:2], r[2:4], r)
}

// Put compresses and writes the blob, unless it is already stored.
func (store *Store) Put(ctx context.Context, data []byte) (_ storage.BlobInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	compressed, ref, err := storage.Compress(data)
	if err != nil {
		return storage.BlobInfo{}, err
	}

	path := store.pathFor(ref)
	if stat, err := os.Stat(path); err == nil {
		return storage.BlobInfo{
			Ref:            ref,
			OriginalSize:   int64(len(data)),
			CompressedSize: stat.Size(),
			UploadedAt:     stat.ModTime().UTC(),
		}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return storage.BlobInfo{}, Error.Wrap(err)
	}

	// write-then-rename keeps concurrent puts of the same content safe:
	// both writers produce identical bytes and the last rename wins.
	tmp, err := os.CreateTemp(store.dir, "put-*.tmp")
	if err != nil {
		return storage.BlobInfo{}, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, os.Remove(tmp.Name()))
		}
	}()

	if _, err := tmp.Write(compressed); err != nil {
		return storage.BlobInfo{}, Error.Wrap(errs.Combine(err, tmp.Close()))
	}
	if err := tmp.Close(); err != nil {
		return storage.BlobInfo{}, Error.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return storage.BlobInfo{}, Error.Wrap(err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return storage.BlobInfo{}, Error.Wrap(err)
	}

	return storage.BlobInfo{
		Ref:            ref,
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(compressed)),
		UploadedAt:     stat.ModTime().UTC(),
	}, nil
}

// Open returns a decompressing reader over the stored blob.
func (store *Store) Open(ctx context.Context, ref storage.Ref) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return nil, storage.ErrInvalidRef.New("%q", ref)
	}

	file, err := os.Open(store.pathFor(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound.New("%s", ref)
		}
		return nil, Error.Wrap(err)
	}
	return storage.NewGunzipReader(file), nil
}

// Stat returns blob metadata. The original size comes from the gzip
// trailer.
func (store *Store) Stat(ctx context.Context, ref storage.Ref) (_ storage.BlobInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return storage.BlobInfo{}, storage.ErrInvalidRef.New("%q", ref)
	}

	path := store.pathFor(ref)
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.BlobInfo{}, storage.ErrNotFound.New("%s", ref)
		}
		return storage.BlobInfo{}, Error.Wrap(err)
	}

	trailer := make([]byte, 8)
	file, err := os.Open(path)
	if err != nil {
		return storage.BlobInfo{}, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, file.Close()) }()

	if _, err := file.ReadAt(trailer, stat.Size()-int64(len(trailer))); err != nil {
		return storage.BlobInfo{}, Error.Wrap(err)
	}
	originalSize, err := storage.OriginalSize(trailer)
	if err != nil {
		return storage.BlobInfo{}, err
	}

	return storage.BlobInfo{
		Ref:            ref,
		OriginalSize:   originalSize,
		CompressedSize: stat.Size(),
		UploadedAt:     stat.ModTime().UTC(),
	}, nil
}

// Exists reports whether the blob is stored.
func (store *Store) Exists(ctx context.Context, ref storage.Ref) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return false, storage.ErrInvalidRef.New("%q", ref)
	}
	if _, err := os.Stat(store.pathFor(ref)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, Error.Wrap(err)
	}
	return true, nil
}

// Delete removes the blob file.
func (store *Store) Delete(ctx context.Context, ref storage.Ref) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return false, storage.ErrInvalidRef.New("%q", ref)
	}
	if err := os.Remove(store.pathFor(ref)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, Error.Wrap(err)
	}
	return true, nil
}

// Stats walks the store directory and sums blob counts and sizes.
func (store *Store) Stats(ctx context.Context) (_ storage.StoreStats, err error) {
	defer mon.Task()(&ctx)(&err)

	var stats storage.StoreStats
	err = filepath.WalkDir(store.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		if !storage.Ref(entry.Name()).IsValid() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		stats.TotalBlobs++
		stats.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return storage.StoreStats{}, Error.Wrap(err)
	}
	if stats.TotalBlobs > 0 {
		stats.AvgBlobBytes = float64(stats.TotalBytes) / float64(stats.TotalBlobs)
	}
	return stats, nil
}

// Close releases resources. The filestore holds no open handles.
func (store *Store) Close() error { return nil }
