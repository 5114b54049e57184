// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/errs"
)

// Compress gzips data and derives its content address.
func Compress(data []byte) (compressed []byte, ref Ref, err error) {
	var buf bytes.Buffer

	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, "", Error.Wrap(err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", Error.Wrap(err)
	}

	compressed = buf.Bytes()
	sum := sha256.Sum256(compressed)
	return compressed, Ref(hex.EncodeToString(sum[:])), nil
}

// OriginalSize reads the uncompressed length recorded in the gzip trailer.
// The field is 32 bits wide, which is plenty for signal payloads.
func OriginalSize(compressed []byte) (int64, error) {
	if len(compressed) < 8 {
		return 0, Error.New("truncated gzip data")
	}
	return int64(binary.LittleEndian.Uint32(compressed[len(compressed)-4:])), nil
}

// NewGunzipReader decompresses rc lazily: the gzip header is read on the
// first Read call, so open errors surface on the stream.
func NewGunzipReader(rc io.ReadCloser) io.ReadCloser {
	return &gunzipReader{source: rc}
}

type gunzipReader struct {
	source io.ReadCloser
	gz     *gzip.Reader
	err    error
}

func (r *gunzipReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.gz == nil {
		gz, err := gzip.NewReader(r.source)
		if err != nil {
			r.err = Error.Wrap(err)
			return 0, r.err
		}
		r.gz = gz
	}
	return r.gz.Read(p)
}

func (r *gunzipReader) Close() error {
	var gzErr error
	if r.gz != nil {
		gzErr = r.gz.Close()
	}
	return Error.Wrap(errs.Combine(gzErr, r.source.Close()))
}
