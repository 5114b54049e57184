// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package nonces tracks one-time device nonces to reject replayed messages.
// A nonce is claimed exactly once; claims expire after a TTL so the set
// stays bounded.
package nonces

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default nonce store error class.
	Error = errs.Class("nonces")

	// ErrUnavailable means the backing store could not be reached. Callers
	// treat this as retryable.
	ErrUnavailable = errs.Class("nonce store unavailable")

	mon = monkit.Package()
)

// Config holds nonce tracking parameters.
type Config struct {
	Address string        `help:"redis address for the nonce store" default:"redis://localhost:6379?db=1"`
	TTL     time.Duration `help:"how long a claimed nonce stays reserved" default:"10m" testDefault:"1m"`
	Length  int           `help:"bytes of randomness in a device nonce" default:"16"`
}

// Store records (device, nonce) claims.
type Store interface {
	// Claim atomically reserves the nonce for the device. It returns true
	// exactly once per (device, nonce) pair within the TTL window.
	Claim(ctx context.Context, deviceID, nonce string, ttl time.Duration) (fresh bool, err error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
