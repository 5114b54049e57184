// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package consumer processes raw signal messages from the broker.
//
// Each prefetched message runs as an independent unit of work: verify the
// HMAC envelope, claim the nonce, validate the payload, archive the raw
// bytes and insert the processed record. Failures route by category only:
// validation and authentication failures go to the dead letter queue,
// everything else republishes to the retry queue with an incremented
// retry count. The broker's native redelivery stays out of the picture.
package consumer

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/context2"
	"storj.io/common/sync2"
	"xraygrid.io/xraygrid/storage"
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/codec"
	"xraygrid.io/xraygrid/xray/msgauth"
	"xraygrid.io/xraygrid/xray/nonces"
	"xraygrid.io/xraygrid/xray/retry"
	"xraygrid.io/xraygrid/xray/signals"
	"xraygrid.io/xraygrid/xray/xraysignal"
)

var (
	// Error is the default consumer error class.
	Error = errs.Class("consumer")

	mon = monkit.Package()
)

// Config tunes the consumer hot path.
type Config struct {
	Prefetch    int           `help:"max concurrent in-flight messages per consumer" default:"8" testDefault:"4"`
	MaxAttempts int           `help:"total processing attempts before a message parks in the dead letter queue" default:"3"`
	GracePeriod time.Duration `help:"how long shutdown waits for in-flight messages to finish" default:"30s" testDefault:"2s"`
}

// Consumer pulls signal messages off the raw queue and processes them.
type Consumer struct {
	log      *zap.Logger
	bus      broker.Broker
	verifier *msgauth.Verifier
	nonces   nonces.Store
	nonceTTL time.Duration
	rawstore storage.Blobs
	signals  signals.DB
	breakers *retry.Breakers
	policy   retry.Policy
	config   Config

	limiter *sync2.Limiter
}

// New creates a consumer. The nonce TTL bounds how long replayed nonces
// stay detectable.
func New(log *zap.Logger, bus broker.Broker, verifier *msgauth.Verifier, nonceStore nonces.Store, nonceTTL time.Duration, rawstore storage.Blobs, db signals.DB, breakers *retry.Breakers, policy retry.Policy, config Config) *Consumer {
	if config.Prefetch < 1 {
		config.Prefetch = 1
	}
	return &Consumer{
		log:      log,
		bus:      bus,
		verifier: verifier,
		nonces:   nonceStore,
		nonceTTL: nonceTTL,
		rawstore: rawstore,
		signals:  db,
		breakers: breakers,
		policy:   policy,
		config:   config,

		limiter: sync2.NewLimiter(config.Prefetch),
	}
}

// Run consumes the raw queue until ctx is canceled, then drains. In-flight
// messages get the configured grace period to finish; whatever remains is
// requeued for another worker.
func (consumer *Consumer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	// workers outlive the intake context by up to the grace period
	workCtx, workCancel := context.WithCancel(context2.WithoutCancellation(ctx))
	defer workCancel()

	deliveries, err := consumer.bus.Consume(ctx, broker.RawQueue, consumer.config.Prefetch)
	if err != nil {
		return Error.Wrap(err)
	}
	consumer.log.Info("consuming", zap.String("queue", broker.RawQueue), zap.Int("prefetch", consumer.config.Prefetch))

	for delivery := range deliveries {
		delivery := delivery
		started := consumer.limiter.Go(ctx, func() {
			consumer.process(workCtx, delivery)
		})
		if !started {
			// intake canceled before a worker slot opened
			_ = delivery.Nack(true)
		}
	}

	graceTimer := time.AfterFunc(consumer.config.GracePeriod, workCancel)
	defer graceTimer.Stop()
	consumer.limiter.Wait()

	consumer.log.Info("consumer drained")
	return nil
}

// process routes one delivery to its outcome.
func (consumer *Consumer) process(ctx context.Context, delivery broker.Delivery) {
	headers := delivery.Headers()
	log := consumer.log.With(
		zap.String("correlation id", headers.CorrelationID),
		zap.String("device id", headers.DeviceID))

	// messages that already exhausted their attempts park immediately
	if headers.RetryCount >= consumer.config.MaxAttempts {
		consumer.deadLetter(ctx, log, delivery, Error.New("retry attempts exhausted"))
		return
	}

	err := consumer.handle(ctx, log, delivery)
	if err == nil {
		if ackErr := delivery.Ack(); ackErr != nil {
			log.Error("ack failed", zap.Error(ackErr))
		}
		return
	}

	if ctx.Err() != nil {
		// the drain grace expired; give the message back to the broker
		if nackErr := delivery.Nack(true); nackErr != nil {
			log.Error("requeue failed", zap.Error(nackErr))
		}
		return
	}

	if retryable(err) {
		consumer.retryLater(ctx, log, delivery, err)
		return
	}
	consumer.deadLetter(ctx, log, delivery, err)
}

// handle runs the processing steps. A nil return means the message is
// settled: processed, or dropped as a duplicate or poisoned message.
func (consumer *Consumer) handle(ctx context.Context, log *zap.Logger, delivery broker.Delivery) (err error) {
	defer mon.Task()(&ctx)(&err)

	headers := delivery.Headers()

	if missing := headers.MissingAuth(); len(missing) > 0 {
		mon.Meter("consumer_poisoned").Mark(1)
		log.Warn("poisoned message dropped", zap.Strings("missing headers", missing))
		return nil
	}

	err = consumer.verifier.Verify(headers.DeviceID, delivery.Body(),
		headers.Signature, headers.TimestampAuth, headers.Nonce, headers.Algorithm)
	if err != nil {
		return err
	}

	var fresh bool
	err = consumer.breakers.Do(ctx, "nonce_claim", func(ctx context.Context) error {
		var err error
		fresh, err = consumer.nonces.Claim(ctx, headers.DeviceID, headers.Nonce, consumer.nonceTTL)
		return err
	})
	if err != nil {
		return err
	}
	// a retried delivery carries the nonce its first attempt already
	// claimed, so only first deliveries face the replay gate
	if !fresh && headers.RetryCount == 0 {
		mon.Meter("consumer_replayed").Mark(1)
		log.Info("replayed nonce dropped")
		return nil
	}

	signal, err := codec.Decode(delivery.Body())
	if err != nil {
		return err
	}
	if err := codec.Validate(signal, time.Now()); err != nil {
		return err
	}
	if signal.DeviceID != headers.DeviceID {
		return codec.ErrValidation.New("body device %q does not match envelope device %q",
			signal.DeviceID, headers.DeviceID)
	}

	fingerprint := codec.Fingerprint(signal)
	var seen bool
	err = consumer.breakers.Do(ctx, "signals_lookup", func(ctx context.Context) error {
		_, err := consumer.signals.GetByIdempotencyKey(ctx, fingerprint)
		if err == nil {
			seen = true
			return nil
		}
		if signals.ErrNotFound.Has(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if seen {
		mon.Meter("consumer_duplicates").Mark(1)
		log.Info("duplicate signal dropped", zap.String("fingerprint", fingerprint))
		return nil
	}

	var info storage.BlobInfo
	err = consumer.breakers.Do(ctx, "rawstore_put", func(ctx context.Context) error {
		var err error
		info, err = consumer.rawstore.Put(ctx, delivery.Body())
		return err
	})
	if err != nil {
		return err
	}

	record := &xraysignal.ProcessedSignal{
		DeviceID:       signal.DeviceID,
		Time:           signal.Time,
		DataLength:     len(signal.Data),
		DataVolume:     int64(len(codec.Canonical(signal))),
		Stats:          xraysignal.ComputeStats(signal.Data),
		Location:       xraysignal.NewPoint(signal.Data[0].Lat, signal.Data[0].Lon),
		RawRef:         string(info.Ref),
		IdempotencyKey: fingerprint,
	}

	var duplicate bool
	err = consumer.breakers.Do(ctx, "signals_insert", func(ctx context.Context) error {
		err := consumer.signals.Insert(ctx, record)
		if signals.ErrDuplicate.Has(err) {
			// lost the race with a concurrent worker; the stored record wins
			duplicate = true
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if duplicate {
		mon.Meter("consumer_duplicates").Mark(1)
		log.Info("duplicate signal dropped", zap.String("fingerprint", fingerprint))
		return nil
	}

	mon.Meter("consumer_processed").Mark(1)
	log.Info("signal processed",
		zap.String("signal id", record.ID.String()),
		zap.Int("data points", record.DataLength))
	return nil
}

// retryLater republishes the original bytes to the retry queue with an
// incremented retry count and acks the current delivery.
func (consumer *Consumer) retryLater(ctx context.Context, log *zap.Logger, delivery broker.Delivery, cause error) {
	headers := delivery.Headers()
	next := headers.RetryCount + 1
	if next >= consumer.config.MaxAttempts {
		consumer.deadLetter(ctx, log, delivery, cause)
		return
	}

	delay := consumer.policy.Delay(headers.RetryCount)

	retryHeaders := headers
	retryHeaders.RetryCount = next
	retryHeaders.RetryDelay = delay.Milliseconds()

	err := consumer.bus.Publish(ctx, broker.Publication{
		Exchange:   broker.DeadLetterExchange,
		RoutingKey: broker.RetryRoutingKey,
		Headers:    retryHeaders,
		Body:       delivery.Body(),
		Expiration: delay,
	})
	if err != nil {
		// fall back to native redelivery rather than losing the message
		log.Error("retry publish failed, requeueing", zap.Error(err))
		if nackErr := delivery.Nack(true); nackErr != nil {
			log.Error("requeue failed", zap.Error(nackErr))
		}
		return
	}

	mon.Meter("consumer_retried").Mark(1)
	log.Warn("processing failed, retrying",
		zap.Int("attempt", next),
		zap.Duration("delay", delay),
		zap.Error(cause))
	if ackErr := delivery.Ack(); ackErr != nil {
		log.Error("ack failed", zap.Error(ackErr))
	}
}

// deadLetter hands the message to the dead letter queue with the failure
// reason attached.
func (consumer *Consumer) deadLetter(ctx context.Context, log *zap.Logger, delivery broker.Delivery, cause error) {
	headers := delivery.Headers()

	deadHeaders := headers
	deadHeaders.FinalRetry = true
	deadHeaders.LastError = cause.Error()
	if retryable(cause) && headers.RetryCount < consumer.config.MaxAttempts {
		// count the terminal attempt so the replayer parks the message
		deadHeaders.RetryCount = headers.RetryCount + 1
	}

	err := consumer.bus.Publish(ctx, broker.Publication{
		Exchange:   broker.DeadLetterExchange,
		RoutingKey: broker.DeadLetterRoutingKey,
		Headers:    deadHeaders,
		Body:       delivery.Body(),
	})
	if err != nil {
		// the queue's dead letter exchange routes the reject the same way
		log.Error("dead letter publish failed, rejecting", zap.Error(err))
		if nackErr := delivery.Nack(false); nackErr != nil {
			log.Error("reject failed", zap.Error(nackErr))
		}
		return
	}

	mon.Meter("consumer_dead_lettered").Mark(1)
	log.Warn("message dead lettered", zap.Error(cause))
	if ackErr := delivery.Ack(); ackErr != nil {
		log.Error("ack failed", zap.Error(ackErr))
	}
}

// retryable reports whether the failure may succeed on a later attempt.
// Validation and authentication failures never do.
func retryable(err error) bool {
	switch {
	case codec.ErrValidation.Has(err),
		msgauth.ErrAlgorithmMismatch.Has(err),
		msgauth.ErrTimestampSkew.Has(err),
		msgauth.ErrSignatureMismatch.Has(err),
		msgauth.ErrNonceFormat.Has(err):
		return false
	}
	return true
}
