// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package retry provides the backoff policy and the per-operation circuit
// breakers shared across the ingestion pipeline.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default retry error class.
var Error = errs.Class("retry")

// MinDelay is the lower bound for any computed retry delay.
const MinDelay = 100 * time.Millisecond

// Config holds the tunable backoff parameters. The attempt cap comes from
// the broker configuration.
type Config struct {
	InitialDelay time.Duration `help:"delay before the first retry" default:"1s" testDefault:"100ms"`
	MaxDelay     time.Duration `help:"upper bound for retry delays" default:"30s" testDefault:"2s"`
	Multiplier   float64       `help:"backoff growth factor between attempts" default:"2"`
	Jitter       bool          `help:"randomize delays by up to 20 percent" default:"true"`

	BreakerThreshold int           `help:"consecutive failures before a circuit opens" default:"5"`
	BreakerTimeout   time.Duration `help:"how long an open circuit waits before admitting a trial call" default:"30s" testDefault:"200ms"`
}

// Policy computes retry delays with exponential backoff.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// NewPolicy combines the backoff config with the attempt cap.
func NewPolicy(config Config, maxAttempts int) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: config.InitialDelay,
		MaxDelay:     config.MaxDelay,
		Multiplier:   config.Multiplier,
		Jitter:       config.Jitter,
	}
}

// Delay returns the backoff before retrying attempt (0-indexed): the initial
// delay grown by the multiplier, capped at the maximum, never below MinDelay,
// optionally jittered by up to 20 percent either way.
func (policy Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt))
	delay = math.Min(delay, float64(policy.MaxDelay))
	delay = math.Max(delay, float64(MinDelay))

	if policy.Jitter {
		delay *= 1 + (rand.Float64()*0.4 - 0.2)
		delay = math.Max(delay, float64(MinDelay))
	}
	return time.Duration(delay)
}
