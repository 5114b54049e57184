// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package s3store_test

import (
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"xraygrid.io/xraygrid/storage"
	"xraygrid.io/xraygrid/storage/s3store"
)

func openTestStore(ctx *testcontext.Context, t *testing.T) *s3store.Store {
	endpoint := os.Getenv("XRAY_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("s3 endpoint missing, example: XRAY_TEST_S3_ENDPOINT=localhost:9000 " +
			"XRAY_TEST_S3_ACCESS_KEY=minioadmin XRAY_TEST_S3_SECRET_KEY=minioadmin")
	}

	store, err := s3store.OpenStore(ctx, s3store.Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("XRAY_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("XRAY_TEST_S3_SECRET_KEY"),
		Bucket:    "xray-raw-test",
		UseSSL:    false,
	})
	require.NoError(t, err)
	return store
}

func TestRoundtrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := openTestStore(ctx, t)
	defer ctx.Check(store.Close)

	data := testrand.Bytes(16 * 1024)

	info, err := store.Put(ctx, data)
	require.NoError(t, err)
	require.True(t, info.Ref.IsValid())
	require.EqualValues(t, len(data), info.OriginalSize)
	require.NotZero(t, info.CompressedSize)
	defer func() {
		deleted, err := store.Delete(ctx, info.Ref)
		require.NoError(t, err)
		require.True(t, deleted)
	}()

	exists, err := store.Exists(ctx, info.Ref)
	require.NoError(t, err)
	require.True(t, exists)

	stat, err := store.Stat(ctx, info.Ref)
	require.NoError(t, err)
	require.Equal(t, info.Ref, stat.Ref)
	require.EqualValues(t, len(data), stat.OriginalSize)
	require.Equal(t, info.CompressedSize, stat.CompressedSize)
	require.False(t, stat.UploadedAt.IsZero())

	reader, err := store.Open(ctx, info.Ref)
	require.NoError(t, err)
	read, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Equal(t, data, read)
}

func TestMissingBlob(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := openTestStore(ctx, t)
	defer ctx.Check(store.Close)

	// a valid ref no blob was stored under
	_, ref, err := storage.Compress(testrand.Bytes(64))
	require.NoError(t, err)

	exists, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = store.Stat(ctx, ref)
	require.True(t, storage.ErrNotFound.Has(err))

	_, err = store.Open(ctx, ref)
	require.True(t, storage.ErrNotFound.Has(err))

	deleted, err := store.Delete(ctx, ref)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestPresignURL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := openTestStore(ctx, t)
	defer ctx.Check(store.Close)

	data := testrand.Bytes(4 * 1024)
	info, err := store.Put(ctx, data)
	require.NoError(t, err)
	defer func() {
		_, err := store.Delete(ctx, info.Ref)
		require.NoError(t, err)
	}()

	signed, err := store.PresignURL(ctx, info.Ref, time.Minute)
	require.NoError(t, err)

	// the signed link serves the compressed bytes without credentials
	resp, err := http.Get(signed)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, info.CompressedSize, len(body))
}
