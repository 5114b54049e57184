// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package producer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"xraygrid.io/xraygrid/private/testbroker"
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/codec"
	"xraygrid.io/xraygrid/xray/msgauth"
	"xraygrid.io/xraygrid/xray/producer"
	"xraygrid.io/xraygrid/xray/xraysignal"
)

var authConfig = msgauth.Config{
	Secret:             "producer-test-secret",
	Algorithm:          "sha256",
	TimestampTolerance: time.Minute,
}

func newProducer(t *testing.T, ctx *testcontext.Context) (*producer.Producer, *testbroker.Broker) {
	bus := testbroker.New()
	require.NoError(t, bus.DeclareTopology(ctx))

	signer, err := msgauth.NewSigner(authConfig, 16)
	require.NoError(t, err)

	return producer.New(zaptest.NewLogger(t), bus, signer), bus
}

func testRawSignal(deviceID string) *xraysignal.RawSignal {
	return &xraysignal.RawSignal{
		DeviceID: deviceID,
		Time:     time.Now().UnixMilli(),
		Data: []xraysignal.DataPoint{
			{Timestamp: 1700000000000, Lat: 48.8566, Lon: 2.3522, Speed: 12.5},
			{Timestamp: 1700000001000, Lat: 48.8567, Lon: 2.3523, Speed: 13},
		},
	}
}

func TestPublish(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	prod, bus := newProducer(t, ctx)
	defer ctx.Check(bus.Close)

	signal := testRawSignal("sensor-1")
	correlationID, err := prod.Publish(ctx, signal)
	require.NoError(t, err)
	require.NotEmpty(t, correlationID)

	published := bus.Published()
	require.Len(t, published, 1)
	require.Equal(t, broker.Exchange, published[0].Exchange)
	require.Equal(t, broker.RawRoutingKey, published[0].RoutingKey)

	headers := published[0].Headers
	require.Equal(t, correlationID, headers.CorrelationID)
	require.Equal(t, "sensor-1", headers.DeviceID)
	require.Equal(t, producer.ServiceName, headers.Service)
	require.Equal(t, codec.SchemaVersion, headers.SchemaVersion)
	require.Equal(t, "sha256", headers.Algorithm)
	require.Len(t, headers.Nonce, 32)
	require.Zero(t, headers.RetryCount)

	// the signature must check out against the published body
	verifier, err := msgauth.NewVerifier(authConfig, 16)
	require.NoError(t, err)
	err = verifier.Verify(headers.DeviceID, published[0].Body,
		headers.Signature, headers.TimestampAuth, headers.Nonce, headers.Algorithm)
	require.NoError(t, err)

	decoded, err := codec.Decode(published[0].Body)
	require.NoError(t, err)
	require.Equal(t, signal.DeviceID, decoded.DeviceID)
	require.Equal(t, signal.Time, decoded.Time)
	require.Equal(t, signal.Data, decoded.Data)

	depth, err := bus.QueueDepth(ctx, broker.RawQueue)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestPublishInvalidSignal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	prod, bus := newProducer(t, ctx)
	defer ctx.Check(bus.Close)

	signal := testRawSignal("sensor-1")
	signal.Data = nil
	_, err := prod.Publish(ctx, signal)
	require.True(t, codec.ErrValidation.Has(err))
	require.Empty(t, bus.Published())

	signal = testRawSignal("bad device")
	_, err = prod.Publish(ctx, signal)
	require.True(t, codec.ErrValidation.Has(err))
	require.Empty(t, bus.Published())
}

func TestPublishFreshNoncePerMessage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	prod, bus := newProducer(t, ctx)
	defer ctx.Check(bus.Close)

	first, err := prod.Publish(ctx, testRawSignal("sensor-1"))
	require.NoError(t, err)
	second, err := prod.Publish(ctx, testRawSignal("sensor-1"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	published := bus.Published()
	require.Len(t, published, 2)
	require.NotEqual(t, published[0].Headers.Nonce, published[1].Headers.Nonce)
	require.NotEqual(t, published[0].Headers.Signature, published[1].Headers.Signature)
}

func TestPublishBatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	prod, bus := newProducer(t, ctx)
	defer ctx.Check(bus.Close)

	batch := []*xraysignal.RawSignal{
		testRawSignal("sensor-1"),
		testRawSignal("sensor-2"),
		testRawSignal("sensor-3"),
	}
	correlationIDs, err := prod.PublishBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, correlationIDs, 3)

	depth, err := bus.QueueDepth(ctx, broker.RawQueue)
	require.NoError(t, err)
	require.EqualValues(t, 3, depth)
}

func TestPublishBatchAllOrNothing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	prod, bus := newProducer(t, ctx)
	defer ctx.Check(bus.Close)

	invalid := testRawSignal("sensor-2")
	invalid.Data[1].Lat = 123.4

	_, err := prod.PublishBatch(ctx, []*xraysignal.RawSignal{
		testRawSignal("sensor-1"),
		invalid,
		testRawSignal("sensor-3"),
	})
	require.True(t, codec.ErrValidation.Has(err))
	require.Empty(t, bus.Published())
}

func TestPublishStatus(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	prod, bus := newProducer(t, ctx)
	defer ctx.Check(bus.Close)

	correlationID, err := prod.PublishStatus(ctx, xraysignal.DeviceStatus{
		DeviceID: "sensor-1",
		Status:   "online",
		Health:   map[string]float64{"battery": 0.93},
	})
	require.NoError(t, err)
	require.NotEmpty(t, correlationID)

	depth, err := bus.QueueDepth(ctx, broker.StatusQueue)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	published := bus.Published()
	require.Len(t, published, 1)
	require.Equal(t, broker.StatusRoutingKey, published[0].RoutingKey)

	verifier, err := msgauth.NewVerifier(authConfig, 16)
	require.NoError(t, err)
	headers := published[0].Headers
	err = verifier.Verify(headers.DeviceID, published[0].Body,
		headers.Signature, headers.TimestampAuth, headers.Nonce, headers.Algorithm)
	require.NoError(t, err)

	_, err = prod.PublishStatus(ctx, xraysignal.DeviceStatus{DeviceID: "nope nope", Status: "online"})
	require.True(t, codec.ErrValidation.Has(err))

	_, err = prod.PublishStatus(ctx, xraysignal.DeviceStatus{DeviceID: "sensor-1"})
	require.True(t, codec.ErrValidation.Has(err))
}

func TestPublishTransportError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	prod, bus := newProducer(t, ctx)
	defer ctx.Check(bus.Close)

	bus.SetPublishError(testbroker.Error.New("connection refused"))

	_, err := prod.Publish(ctx, testRawSignal("sensor-1"))
	require.True(t, producer.ErrTransport.Has(err))
}
