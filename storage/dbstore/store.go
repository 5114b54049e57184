// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dbstore keeps blobs in a relational database, so small
// deployments can reuse the repository database for raw payloads.
package dbstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"strconv"
	"time"

	_ "github.com/lib/pq"           // registers the postgres driver
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"xraygrid.io/xraygrid/private/dbutil"
	"xraygrid.io/xraygrid/private/migrate"
	"xraygrid.io/xraygrid/storage"
)

var (
	// Error is the dbstore error class.
	Error = errs.Class("dbstore")

	mon = monkit.Package()
)

// Store implements storage.Blobs on a SQL database.
type Store struct {
	db             *sql.DB
	implementation dbutil.Implementation
}

// Open connects to the database at the given URL and prepares the blobs
// table.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	driver, source, implementation, err := dbutil.SplitConnStr(databaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	if implementation == dbutil.Sqlite {
		// sqlite gets confused by concurrent writers
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, implementation: implementation}
	if err := migrate.Create("blobs", store); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return store, nil
}

// Begin starts a transaction.
func (store *Store) Begin() (*sql.Tx, error) { return store.db.Begin() }

// Rebind converts ? placeholders into the positional form the driver
// expects.
func (store *Store) Rebind(query string) string {
	if store.implementation != dbutil.Postgres {
		return query
	}
	out := make([]byte, 0, len(query)+10)
	j := 1
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch != '?' {
			out = append(out, ch)
			continue
		}
		out = append(out, '$')
		out = append(out, strconv.Itoa(j)...)
		j++
	}
	return string(out)
}

// Schema returns the blobs table schema for the active implementation.
func (store *Store) Schema() string {
	if store.implementation == dbutil.Postgres {
		return `CREATE TABLE blobs (
			ref text NOT NULL,
			data bytea NOT NULL,
			original_size bigint NOT NULL,
			compressed_size bigint NOT NULL,
			uploaded_at timestamp with time zone NOT NULL,
			PRIMARY KEY ( ref )
		)`
	}
	return `CREATE TABLE blobs (
		ref text NOT NULL,
		data blob NOT NULL,
		original_size integer NOT NULL,
		compressed_size integer NOT NULL,
		uploaded_at timestamp NOT NULL,
		PRIMARY KEY ( ref )
	)`
}

// Put compresses and stores the blob row, unless the ref already exists.
func (store *Store) Put(ctx context.Context, data []byte) (_ storage.BlobInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	compressed, ref, err := storage.Compress(data)
	if err != nil {
		return storage.BlobInfo{}, err
	}

	_, err = store.db.ExecContext(ctx, store.Rebind(`
		INSERT INTO blobs ( ref, data, original_size, compressed_size, uploaded_at )
		VALUES ( ?, ?, ?, ?, ? )
		ON CONFLICT ( ref ) DO NOTHING`),
		string(ref), compressed, int64(len(data)), int64(len(compressed)), time.Now().UTC(),
	)
	if err != nil {
		return storage.BlobInfo{}, Error.Wrap(err)
	}

	// the stored row stays authoritative when another writer won the insert
	return store.Stat(ctx, ref)
}

// Open returns a decompressing reader over the stored blob.
func (store *Store) Open(ctx context.Context, ref storage.Ref) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return nil, storage.ErrInvalidRef.New("%q", ref)
	}

	var compressed []byte
	err = store.db.QueryRowContext(ctx,
		store.Rebind(`SELECT data FROM blobs WHERE ref = ?`), string(ref)).
		Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound.New("%s", ref)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return storage.NewGunzipReader(io.NopCloser(bytes.NewReader(compressed))), nil
}

// Stat returns blob metadata.
func (store *Store) Stat(ctx context.Context, ref storage.Ref) (_ storage.BlobInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return storage.BlobInfo{}, storage.ErrInvalidRef.New("%q", ref)
	}

	info := storage.BlobInfo{Ref: ref}
	err = store.db.QueryRowContext(ctx, store.Rebind(`
		SELECT original_size, compressed_size, uploaded_at
		FROM blobs WHERE ref = ?`), string(ref)).
		Scan(&info.OriginalSize, &info.CompressedSize, &info.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.BlobInfo{}, storage.ErrNotFound.New("%s", ref)
	}
	if err != nil {
		return storage.BlobInfo{}, Error.Wrap(err)
	}
	info.UploadedAt = info.UploadedAt.UTC()
	return info, nil
}

// Exists reports whether the blob row is stored.
func (store *Store) Exists(ctx context.Context, ref storage.Ref) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return false, storage.ErrInvalidRef.New("%q", ref)
	}

	var count int64
	err = store.db.QueryRowContext(ctx,
		store.Rebind(`SELECT count(*) FROM blobs WHERE ref = ?`), string(ref)).
		Scan(&count)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return count > 0, nil
}

// Delete removes the blob row.
func (store *Store) Delete(ctx context.Context, ref storage.Ref) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ref.IsValid() {
		return false, storage.ErrInvalidRef.New("%q", ref)
	}

	result, err := store.db.ExecContext(ctx,
		store.Rebind(`DELETE FROM blobs WHERE ref = ?`), string(ref))
	if err != nil {
		return false, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected > 0, nil
}

// Stats sums blob counts and compressed sizes.
func (store *Store) Stats(ctx context.Context) (_ storage.StoreStats, err error) {
	defer mon.Task()(&ctx)(&err)

	var stats storage.StoreStats
	err = store.db.QueryRowContext(ctx,
		`SELECT count(*), coalesce(sum(compressed_size), 0) FROM blobs`).
		Scan(&stats.TotalBlobs, &stats.TotalBytes)
	if err != nil {
		return storage.StoreStats{}, Error.Wrap(err)
	}
	if stats.TotalBlobs > 0 {
		stats.AvgBlobBytes = float64(stats.TotalBytes) / float64(stats.TotalBlobs)
	}
	return stats, nil
}

// Close closes the database.
func (store *Store) Close() error {
	return Error.Wrap(store.db.Close())
}
