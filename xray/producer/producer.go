// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package producer publishes signed signal messages to the broker.
package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/codec"
	"xraygrid.io/xraygrid/xray/msgauth"
	"xraygrid.io/xraygrid/xray/xraysignal"
)

var (
	// Error is the default producer error class.
	Error = errs.Class("producer")

	// ErrTransport wraps broker publish failures. Retryable.
	ErrTransport = errs.Class("producer transport")

	mon = monkit.Package()
)

// ServiceName identifies the producer in message headers.
const ServiceName = "xraygrid-producer"

// Producer signs and publishes raw signals. Safe for concurrent use.
type Producer struct {
	log    *zap.Logger
	bus    broker.Broker
	signer *msgauth.Signer
}

// New creates a producer on top of the broker.
func New(log *zap.Logger, bus broker.Broker, signer *msgauth.Signer) *Producer {
	return &Producer{
		log:    log,
		bus:    bus,
		signer: signer,
	}
}

// Publish validates, signs and publishes one signal. The returned
// correlation id identifies the message across the pipeline.
func (producer *Producer) Publish(ctx context.Context, signal *xraysignal.RawSignal) (correlationID string, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := codec.Validate(signal, time.Now()); err != nil {
		return "", err
	}
	body, err := json.Marshal(signal)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return producer.publish(ctx, signal.DeviceID, broker.RawRoutingKey, body)
}

// PublishBatch publishes a set of signals. Validation is all or nothing:
// one invalid signal rejects the whole batch before anything is sent.
func (producer *Producer) PublishBatch(ctx context.Context, batch []*xraysignal.RawSignal) (correlationIDs []string, err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now()
	for i, signal := range batch {
		if err := codec.Validate(signal, now); err != nil {
			return nil, errs.Combine(Error.New("signal %d rejected", i), err)
		}
	}

	correlationIDs = make([]string, 0, len(batch))
	for _, signal := range batch {
		body, err := json.Marshal(signal)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		correlationID, err := producer.publish(ctx, signal.DeviceID, broker.RawRoutingKey, body)
		if err != nil {
			return nil, err
		}
		correlationIDs = append(correlationIDs, correlationID)
	}
	return correlationIDs, nil
}

// PublishStatus publishes a device status report on its own routing key.
func (producer *Producer) PublishStatus(ctx context.Context, status xraysignal.DeviceStatus) (correlationID string, err error) {
	defer mon.Task()(&ctx)(&err)

	if !xraysignal.ValidDeviceID(status.DeviceID) {
		return "", codec.ErrValidation.New("invalid device id %q", status.DeviceID)
	}
	if status.Status == "" {
		return "", codec.ErrValidation.New("status must not be empty")
	}
	body, err := json.Marshal(status)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return producer.publish(ctx, status.DeviceID, broker.StatusRoutingKey, body)
}

// publish signs the body and hands it to the broker with a fresh
// correlation id and nonce.
func (producer *Producer) publish(ctx context.Context, deviceID, routingKey string, body []byte) (correlationID string, err error) {
	id, err := uuid.New()
	if err != nil {
		return "", Error.Wrap(err)
	}
	correlationID = id.String()

	nonce, err := producer.signer.GenerateNonce()
	if err != nil {
		return "", Error.Wrap(err)
	}

	timestamp := msgauth.FormatTimestamp(time.Now())
	signature := producer.signer.Sign(deviceID, producer.signer.PayloadHash(body), timestamp, nonce)

	err = producer.bus.Publish(ctx, broker.Publication{
		Exchange:   broker.Exchange,
		RoutingKey: routingKey,
		Headers: broker.Headers{
			CorrelationID: correlationID,
			Timestamp:     timestamp,
			Service:       ServiceName,
			SchemaVersion: codec.SchemaVersion,
			DeviceID:      deviceID,
			Signature:     signature,
			TimestampAuth: timestamp,
			Nonce:         nonce,
			Algorithm:     producer.signer.Algorithm(),
		},
		Body: body,
	})
	if err != nil {
		return "", ErrTransport.Wrap(err)
	}

	mon.Meter("published_messages").Mark(1)
	producer.log.Debug("published",
		zap.String("routing key", routingKey),
		zap.String("device id", deviceID),
		zap.String("correlation id", correlationID))
	return correlationID, nil
}
