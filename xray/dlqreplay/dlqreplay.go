// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dlqreplay feeds dead lettered messages back into the retry
// pipeline with an escalating backoff.
package dlqreplay

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"xraygrid.io/xraygrid/xray/broker"
)

var (
	// Error is the default error class of the package.
	Error = errs.Class("dlqreplay")

	mon = monkit.Package()
)

// Config holds replayer settings.
type Config struct {
	Interval    time.Duration `help:"how often the dead letter queue is scanned" default:"5m" testDefault:"1h"`
	BatchLimit  int           `help:"maximum messages moved per scan" default:"100"`
	MaxAttempts int           `help:"retry ceiling; messages at or beyond it stay parked" default:"3"`
	LockAddress string        `help:"redis address of the scan leader lock, empty locks in process" default:""`
	LockTTL     time.Duration `help:"expiry on the scan leader lock" default:"5m" testDefault:"5s"`
}

// Result counts the outcome of one replay pass.
type Result struct {
	Replayed int `json:"replayed"`
	Parked   int `json:"parked"`
}

// Stats describes the current dead letter backlog.
type Stats struct {
	Count  int64      `json:"count"`
	Oldest *time.Time `json:"oldestMessageTimestamp,omitempty"`
}

// Replayer periodically drains the dead letter queue back into the retry
// flow. Only one instance may scan at a time, guarded by the mutex.
//
// architecture: Chore
type Replayer struct {
	log    *zap.Logger
	bus    broker.Broker
	mutex  Mutex
	config Config

	Loop sync2.Cycle
}

// New creates a replayer.
func New(log *zap.Logger, bus broker.Broker, mutex Mutex, config Config) *Replayer {
	if config.BatchLimit < 1 {
		config.BatchLimit = 1
	}
	return &Replayer{
		log:    log,
		bus:    bus,
		mutex:  mutex,
		config: config,
		Loop:   *sync2.NewCycle(config.Interval),
	}
}

// Run scans the dead letter queue on the configured interval until ctx is
// canceled.
func (replayer *Replayer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return replayer.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)

		locked, err := replayer.mutex.TryLock(ctx)
		if err != nil {
			replayer.log.Warn("replay lock unavailable", zap.Error(err))
			return nil
		}
		if !locked {
			replayer.log.Debug("another replayer holds the lock")
			return nil
		}
		defer func() {
			if unlockErr := replayer.mutex.Unlock(ctx); unlockErr != nil {
				replayer.log.Warn("replay lock release failed", zap.Error(unlockErr))
			}
		}()

		result, err := replayer.Replay(ctx, replayer.config.BatchLimit)
		if err != nil {
			replayer.log.Error("dead letter replay failed", zap.Error(err))
			return nil
		}
		if result.Replayed > 0 || result.Parked > 0 {
			replayer.log.Info("dead letter replay finished",
				zap.Int("replayed", result.Replayed),
				zap.Int("parked", result.Parked))
		}
		return nil
	})
}

// Close stops the scan loop.
func (replayer *Replayer) Close() error {
	replayer.Loop.Close()
	return nil
}

// Replay pulls up to limit messages off the dead letter queue. Messages
// with remaining attempts are republished into the retry flow with an
// escalated delay; exhausted ones are put back and stay parked.
func (replayer *Replayer) Replay(ctx context.Context, limit int) (result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 || limit > replayer.config.BatchLimit {
		limit = replayer.config.BatchLimit
	}

	// parked messages return to the queue only after the pass, so the
	// fetch loop cannot see the same message twice
	var parked []broker.Delivery
	defer func() {
		for _, delivery := range parked {
			err = errs.Combine(err, delivery.Nack(true))
		}
	}()

	for pulled := 0; pulled < limit; pulled++ {
		delivery, ok, err := replayer.bus.Get(ctx, broker.DeadLetterQueue)
		if err != nil {
			return result, Error.Wrap(err)
		}
		if !ok {
			break
		}

		headers := delivery.Headers()
		if headers.RetryCount >= replayer.config.MaxAttempts {
			parked = append(parked, delivery)
			result.Parked++
			continue
		}

		delay := ComputeDelay(headers.RetryCount)
		retryHeaders := headers
		retryHeaders.RetryCount = headers.RetryCount + 1
		retryHeaders.RetryDelay = delay.Milliseconds()
		retryHeaders.FinalRetry = false

		err = replayer.bus.Publish(ctx, broker.Publication{
			Exchange:   broker.DeadLetterExchange,
			RoutingKey: broker.RetryRoutingKey,
			Headers:    retryHeaders,
			Body:       delivery.Body(),
			Expiration: delay,
		})
		if err != nil {
			return result, errs.Combine(Error.Wrap(err), delivery.Nack(true))
		}
		if err := delivery.Ack(); err != nil {
			return result, Error.Wrap(err)
		}

		mon.Meter("dlq_replayed").Mark(1)
		result.Replayed++
		replayer.log.Info("dead letter replayed",
			zap.String("correlation id", headers.CorrelationID),
			zap.String("device id", headers.DeviceID),
			zap.Int("attempt", retryHeaders.RetryCount),
			zap.Duration("delay", delay))
	}
	return result, nil
}

// Stats reports the backlog size and the publish time of the oldest parked
// message. The peeked message goes straight back to the queue.
func (replayer *Replayer) Stats(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	count, err := replayer.bus.QueueDepth(ctx, broker.DeadLetterQueue)
	if err != nil {
		return Stats{}, Error.Wrap(err)
	}
	stats := Stats{Count: count}
	if count == 0 {
		return stats, nil
	}

	delivery, ok, err := replayer.bus.Get(ctx, broker.DeadLetterQueue)
	if err != nil {
		return stats, Error.Wrap(err)
	}
	if !ok {
		return stats, nil
	}
	defer func() { err = errs.Combine(err, delivery.Nack(true)) }()

	if oldest, parseErr := time.Parse(time.RFC3339, delivery.Headers().Timestamp); parseErr == nil {
		stats.Oldest = &oldest
	}
	return stats, nil
}

// ComputeDelay doubles the backoff per recorded attempt, starting at one
// minute and capped at five.
func ComputeDelay(retryCount int) time.Duration {
	const base, ceiling = time.Minute, 5 * time.Minute
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 8 {
		return ceiling
	}
	delay := base << retryCount
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}
