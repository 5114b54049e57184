// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package retry

import (
	"context"
	"errors"
	"sync"

	"github.com/sony/gobreaker"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// ErrCircuitOpen means the named circuit rejected the call without running
// it. Retryable after a short delay.
var ErrCircuitOpen = errs.Class("circuit open")

// Breakers is a registry of circuit breakers keyed by logical operation
// name. All breakers share one configuration; each operation trips
// independently.
type Breakers struct {
	log    *zap.Logger
	config Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakers creates an empty registry.
func NewBreakers(log *zap.Logger, config Config) *Breakers {
	return &Breakers{
		log:      log,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *Breakers) breaker(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[name]; ok {
		return cb
	}

	threshold := uint32(b.config.BreakerThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     b.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Info("circuit state changed",
				zap.String("operation", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	b.breakers[name] = cb
	return cb
}

// Do runs fn through the breaker registered under name. When the circuit is
// open the call short-circuits with ErrCircuitOpen.
func (b *Breakers) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := b.breaker(name).Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen.New("%s", name)
	}
	return err
}

// State returns the current state name of the breaker, for introspection.
func (b *Breakers) State(name string) string {
	return b.breaker(name).State().String()
}
