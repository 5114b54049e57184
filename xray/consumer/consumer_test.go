// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package consumer_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"xraygrid.io/xraygrid/private/testblobs"
	"xraygrid.io/xraygrid/private/testbroker"
	"xraygrid.io/xraygrid/storage"
	"xraygrid.io/xraygrid/storage/filestore"
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/codec"
	"xraygrid.io/xraygrid/xray/consumer"
	"xraygrid.io/xraygrid/xray/msgauth"
	"xraygrid.io/xraygrid/xray/nonces"
	"xraygrid.io/xraygrid/xray/producer"
	"xraygrid.io/xraygrid/xray/retry"
	"xraygrid.io/xraygrid/xray/signals"
	"xraygrid.io/xraygrid/xray/xraydb"
	"xraygrid.io/xraygrid/xray/xraysignal"
)

var testAuthConfig = msgauth.Config{
	Secret:             "consumer-test-secret",
	Algorithm:          "sha256",
	TimestampTolerance: time.Minute,
}

var testRetryConfig = retry.Config{
	InitialDelay: 120 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2,
	Jitter:       false,

	BreakerThreshold: 100,
	BreakerTimeout:   100 * time.Millisecond,
}

const testMaxAttempts = 3

type harness struct {
	t *testing.T

	bus      *testbroker.Broker
	signer   *msgauth.Signer
	blobs    *testblobs.BadBlobs
	db       *xraydb.DB
	producer *producer.Producer
	consumer *consumer.Consumer
}

func newHarness(t *testing.T, ctx *testcontext.Context) *harness {
	log := zaptest.NewLogger(t)

	bus := testbroker.New()
	require.NoError(t, bus.DeclareTopology(ctx))

	signer, err := msgauth.NewSigner(testAuthConfig, 16)
	require.NoError(t, err)
	verifier, err := msgauth.NewVerifier(testAuthConfig, 16)
	require.NoError(t, err)

	files, err := filestore.New(ctx.Dir("blobs"))
	require.NoError(t, err)
	blobs := testblobs.NewBadBlobs(log.Named("blobs"), files)

	db, err := xraydb.Open(ctx, log.Named("db"), "sqlite3://file:"+ctx.File("db", "signals.db"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))

	policy := retry.NewPolicy(testRetryConfig, testMaxAttempts)
	breakers := retry.NewBreakers(log.Named("breakers"), testRetryConfig)

	cons := consumer.New(log.Named("consumer"), bus, verifier,
		nonces.NewMemoryStore(), time.Minute, blobs, db.Signals(), breakers, policy,
		consumer.Config{Prefetch: 4, MaxAttempts: testMaxAttempts, GracePeriod: 5 * time.Second})

	return &harness{
		t:        t,
		bus:      bus,
		signer:   signer,
		blobs:    blobs,
		db:       db,
		producer: producer.New(log.Named("producer"), bus, signer),
		consumer: cons,
	}
}

// run starts the consumer and returns a stop function that cancels intake
// and waits for the drain.
func (h *harness) run(ctx *testcontext.Context) (stop func()) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(runCtx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(h.t, err)
		case <-time.After(10 * time.Second):
			h.t.Fatal("consumer did not stop")
		}
	}
}

func (h *harness) close(ctx *testcontext.Context) {
	ctx.Check(h.db.Close)
	ctx.Check(h.bus.Close)
}

// publishSignedNonce publishes a hand-built message signed with the given
// nonce, bypassing producer validation.
func (h *harness) publishSignedNonce(ctx context.Context, deviceID, nonce string, body []byte) broker.Headers {
	timestamp := msgauth.FormatTimestamp(time.Now())
	headers := broker.Headers{
		CorrelationID: testrand.UUID().String(),
		Timestamp:     timestamp,
		Service:       "test",
		SchemaVersion: codec.SchemaVersion,
		DeviceID:      deviceID,
		Signature:     h.signer.Sign(deviceID, h.signer.PayloadHash(body), timestamp, nonce),
		TimestampAuth: timestamp,
		Nonce:         nonce,
		Algorithm:     h.signer.Algorithm(),
	}
	require.NoError(h.t, h.bus.Publish(ctx, broker.Publication{
		Exchange:   broker.Exchange,
		RoutingKey: broker.RawRoutingKey,
		Headers:    headers,
		Body:       body,
	}))
	return headers
}

func (h *harness) publishSigned(ctx context.Context, deviceID string, body []byte) broker.Headers {
	nonce, err := h.signer.GenerateNonce()
	require.NoError(h.t, err)
	return h.publishSignedNonce(ctx, deviceID, nonce, body)
}

func (h *harness) totalSignals(ctx context.Context) int64 {
	stats, err := h.db.Signals().Stats(ctx)
	require.NoError(h.t, err)
	return stats.TotalSignals
}

func (h *harness) depth(ctx context.Context, queue string) int64 {
	depth, err := h.bus.QueueDepth(ctx, queue)
	require.NoError(h.t, err)
	return depth
}

// settled reports whether nothing is queued anywhere in the topology.
func (h *harness) settled(ctx context.Context) bool {
	return h.depth(ctx, broker.RawQueue) == 0 &&
		h.depth(ctx, broker.RetryQueue) == 0 &&
		h.depth(ctx, broker.DeadLetterQueue) == 0
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

func TestConsumerProcessesSignal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	signal := testRawSignal("sensor-1")
	_, err := h.producer.Publish(ctx, signal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.totalSignals(ctx) == 1
	}, 5*time.Second, 10*time.Millisecond)

	page, err := h.db.Signals().List(ctx, signals.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Signals, 1)

	record := page.Signals[0]
	require.Equal(t, "sensor-1", record.DeviceID)
	require.Equal(t, signal.Time, record.Time)
	require.Equal(t, codec.Fingerprint(signal), record.IdempotencyKey)
	require.Equal(t, len(signal.Data), record.DataLength)
	require.EqualValues(t, len(codec.Canonical(signal)), record.DataVolume)
	require.Equal(t, signal.Data[0].Lat, record.Location.Lat())
	require.Equal(t, signal.Data[0].Lon, record.Location.Lon())
	require.NotNil(t, record.Stats.BBox)
	require.Equal(t, 13.0, record.Stats.MaxSpeed)

	// the original bytes are archived and decode back to the same signal
	reader, err := h.blobs.Open(ctx, storage.Ref(record.RawRef))
	require.NoError(t, err)
	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	decoded, err := codec.Decode(body)
	require.NoError(t, err)
	require.Equal(t, signal.DeviceID, decoded.DeviceID)
	require.Equal(t, signal.Data, decoded.Data)

	require.True(t, h.settled(ctx))
}

func TestConsumerIdempotency(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	signal := testRawSignal("sensor-1")
	_, err := h.producer.Publish(ctx, signal)
	require.NoError(t, err)
	_, err = h.producer.Publish(ctx, signal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.totalSignals(ctx) == 1 && h.settled(ctx)
	}, 5*time.Second, 10*time.Millisecond)

	// give any straggler time to land, then confirm nothing else arrived
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, h.totalSignals(ctx))

	// identical bytes share one archived blob
	stats, err := h.blobs.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalBlobs)
}

func TestConsumerIdempotencyAcrossEncodings(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	// same logical payload, different key order and number formatting
	bodyA := []byte(`{"deviceId":"sensor-7","time":1700000000000,"data":[{"timestamp":1700000000000,"lat":10,"lon":20,"speed":5}]}`)
	bodyB := []byte(`{"time":1700000000000,"data":[{"speed":5.0,"lat":10.0,"lon":20.0,"timestamp":1700000000000}],"deviceId":"sensor-7"}`)

	h.publishSigned(ctx, "sensor-7", bodyA)
	h.publishSigned(ctx, "sensor-7", bodyB)

	require.Eventually(t, func() bool {
		return h.totalSignals(ctx) == 1 && h.settled(ctx)
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, h.totalSignals(ctx))
	require.True(t, h.settled(ctx))
}

func TestConsumerNonceReplay(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	nonce, err := h.signer.GenerateNonce()
	require.NoError(t, err)

	first := testRawSignal("sensor-1")
	bodyA, err := json.Marshal(first)
	require.NoError(t, err)
	h.publishSignedNonce(ctx, "sensor-1", nonce, bodyA)

	require.Eventually(t, func() bool {
		return h.totalSignals(ctx) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// different payload, same nonce: dropped as a replay, not dead lettered
	second := testRawSignal("sensor-1")
	second.Time += 60_000
	bodyB, err := json.Marshal(second)
	require.NoError(t, err)
	h.publishSignedNonce(ctx, "sensor-1", nonce, bodyB)

	require.Eventually(t, func() bool {
		return h.settled(ctx)
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, h.totalSignals(ctx))
	require.EqualValues(t, 0, h.depth(ctx, broker.DeadLetterQueue))
}

func TestConsumerBadSignature(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	body, err := json.Marshal(testRawSignal("sensor-1"))
	require.NoError(t, err)

	nonce, err := h.signer.GenerateNonce()
	require.NoError(t, err)
	timestamp := msgauth.FormatTimestamp(time.Now())
	require.NoError(t, h.bus.Publish(ctx, broker.Publication{
		Exchange:   broker.Exchange,
		RoutingKey: broker.RawRoutingKey,
		Headers: broker.Headers{
			CorrelationID: testrand.UUID().String(),
			Timestamp:     timestamp,
			Service:       "test",
			SchemaVersion: codec.SchemaVersion,
			DeviceID:      "sensor-1",
			Signature:     "deadbeef" + h.signer.Sign("sensor-1", h.signer.PayloadHash(body), timestamp, nonce)[8:],
			TimestampAuth: timestamp,
			Nonce:         nonce,
			Algorithm:     h.signer.Algorithm(),
		},
		Body: body,
	}))

	require.Eventually(t, func() bool {
		return h.depth(ctx, broker.DeadLetterQueue) == 1
	}, 5*time.Second, 10*time.Millisecond)

	dead, ok, err := h.bus.Get(ctx, broker.DeadLetterQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, dead.Headers().FinalRetry)
	require.Contains(t, dead.Headers().LastError, "signature_mismatch")
	require.Zero(t, dead.Headers().RetryCount)
	require.NoError(t, dead.Ack())

	require.EqualValues(t, 0, h.totalSignals(ctx))
}

func TestConsumerTimestampSkew(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	body, err := json.Marshal(testRawSignal("sensor-1"))
	require.NoError(t, err)
	nonce, err := h.signer.GenerateNonce()
	require.NoError(t, err)

	// correctly signed, but ten minutes in the past
	timestamp := msgauth.FormatTimestamp(time.Now().Add(-10 * time.Minute))
	require.NoError(t, h.bus.Publish(ctx, broker.Publication{
		Exchange:   broker.Exchange,
		RoutingKey: broker.RawRoutingKey,
		Headers: broker.Headers{
			CorrelationID: testrand.UUID().String(),
			Timestamp:     timestamp,
			Service:       "test",
			SchemaVersion: codec.SchemaVersion,
			DeviceID:      "sensor-1",
			Signature:     h.signer.Sign("sensor-1", h.signer.PayloadHash(body), timestamp, nonce),
			TimestampAuth: timestamp,
			Nonce:         nonce,
			Algorithm:     h.signer.Algorithm(),
		},
		Body: body,
	}))

	require.Eventually(t, func() bool {
		return h.depth(ctx, broker.DeadLetterQueue) == 1
	}, 5*time.Second, 10*time.Millisecond)

	dead, ok, err := h.bus.Get(ctx, broker.DeadLetterQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, dead.Headers().LastError, "timestamp_skew")
	require.NoError(t, dead.Ack())
}

func TestConsumerValidationFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	// correctly signed envelope around an empty data array
	body := []byte(`{"deviceId":"sensor-1","time":1700000000000,"data":[]}`)
	h.publishSigned(ctx, "sensor-1", body)

	require.Eventually(t, func() bool {
		return h.depth(ctx, broker.DeadLetterQueue) == 1
	}, 5*time.Second, 10*time.Millisecond)

	dead, ok, err := h.bus.Get(ctx, broker.DeadLetterQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, dead.Headers().FinalRetry)
	require.Contains(t, dead.Headers().LastError, "signal validation")
	require.NoError(t, dead.Ack())

	require.EqualValues(t, 0, h.totalSignals(ctx))
}

func TestConsumerDeviceMismatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	// envelope signed for one device, body claims another
	body, err := json.Marshal(testRawSignal("sensor-2"))
	require.NoError(t, err)
	h.publishSigned(ctx, "sensor-1", body)

	require.Eventually(t, func() bool {
		return h.depth(ctx, broker.DeadLetterQueue) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.EqualValues(t, 0, h.totalSignals(ctx))
}

func TestConsumerPoisonedMessage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	// no auth headers at all: acked and dropped without dead lettering
	require.NoError(t, h.bus.Publish(ctx, broker.Publication{
		Exchange:   broker.Exchange,
		RoutingKey: broker.RawRoutingKey,
		Headers:    broker.Headers{CorrelationID: testrand.UUID().String()},
		Body:       []byte(`{}`),
	}))

	_, err := h.producer.Publish(ctx, testRawSignal("sensor-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.totalSignals(ctx) == 1 && h.settled(ctx)
	}, 5*time.Second, 10*time.Millisecond)

	require.EqualValues(t, 0, h.depth(ctx, broker.DeadLetterQueue))
}

func TestConsumerRetryLadder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	h.blobs.SetError(errs.New("disk on fire"))

	_, err := h.producer.Publish(ctx, testRawSignal("sensor-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.depth(ctx, broker.DeadLetterQueue) == 1
	}, 10*time.Second, 10*time.Millisecond)

	var retries []broker.Publication
	for _, pub := range h.bus.Published() {
		if pub.RoutingKey == broker.RetryRoutingKey {
			retries = append(retries, pub)
		}
	}
	require.Len(t, retries, 2)
	require.Equal(t, 1, retries[0].Headers.RetryCount)
	require.Equal(t, 120*time.Millisecond, retries[0].Expiration)
	require.EqualValues(t, 120, retries[0].Headers.RetryDelay)
	require.Equal(t, 2, retries[1].Headers.RetryCount)
	require.Equal(t, 240*time.Millisecond, retries[1].Expiration)
	require.EqualValues(t, 240, retries[1].Headers.RetryDelay)

	dead, ok, err := h.bus.Get(ctx, broker.DeadLetterQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testMaxAttempts, dead.Headers().RetryCount)
	require.True(t, dead.Headers().FinalRetry)
	require.Contains(t, dead.Headers().LastError, "disk on fire")
	require.NoError(t, dead.Ack())

	require.EqualValues(t, 0, h.totalSignals(ctx))
}

func TestConsumerRetryRecovery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	h.blobs.SetError(errs.New("temporarily unreachable"))

	_, err := h.producer.Publish(ctx, testRawSignal("sensor-1"))
	require.NoError(t, err)

	// wait for the first retry republish, then heal the store
	require.Eventually(t, func() bool {
		for _, pub := range h.bus.Published() {
			if pub.RoutingKey == broker.RetryRoutingKey {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	h.blobs.SetError(nil)

	require.Eventually(t, func() bool {
		return h.totalSignals(ctx) == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 0, h.depth(ctx, broker.DeadLetterQueue))
}

func TestConsumerAttemptsExhaustedOnArrival(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newHarness(t, ctx)
	defer h.close(ctx)
	stop := h.run(ctx)
	defer stop()

	body, err := json.Marshal(testRawSignal("sensor-1"))
	require.NoError(t, err)
	nonce, err := h.signer.GenerateNonce()
	require.NoError(t, err)
	timestamp := msgauth.FormatTimestamp(time.Now())
	require.NoError(t, h.bus.Publish(ctx, broker.Publication{
		Exchange:   broker.Exchange,
		RoutingKey: broker.RawRoutingKey,
		Headers: broker.Headers{
			CorrelationID: testrand.UUID().String(),
			Timestamp:     timestamp,
			Service:       "test",
			SchemaVersion: codec.SchemaVersion,
			DeviceID:      "sensor-1",
			Signature:     h.signer.Sign("sensor-1", h.signer.PayloadHash(body), timestamp, nonce),
			TimestampAuth: timestamp,
			Nonce:         nonce,
			Algorithm:     h.signer.Algorithm(),
			RetryCount:    testMaxAttempts,
		},
		Body: body,
	}))

	require.Eventually(t, func() bool {
		return h.depth(ctx, broker.DeadLetterQueue) == 1
	}, 5*time.Second, 10*time.Millisecond)

	dead, ok, err := h.bus.Get(ctx, broker.DeadLetterQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, testMaxAttempts, dead.Headers().RetryCount)
	require.True(t, dead.Headers().FinalRetry)
	require.NoError(t, dead.Ack())

	require.EqualValues(t, 0, h.totalSignals(ctx))
}

func TestConsumerDrainFinishesInFlight(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)

	bus := testbroker.New()
	require.NoError(t, bus.DeclareTopology(ctx))
	defer ctx.Check(bus.Close)

	signer, err := msgauth.NewSigner(testAuthConfig, 16)
	require.NoError(t, err)
	verifier, err := msgauth.NewVerifier(testAuthConfig, 16)
	require.NoError(t, err)

	files, err := filestore.New(ctx.Dir("blobs"))
	require.NoError(t, err)
	slow := testblobs.NewSlowBlobs(log.Named("blobs"), files)
	slow.SetLatency(300 * time.Millisecond)

	db, err := xraydb.Open(ctx, log.Named("db"), "sqlite3://file:"+ctx.File("db", "signals.db"))
	require.NoError(t, err)
	defer ctx.Check(db.Close)
	require.NoError(t, db.MigrateToLatest(ctx))

	cons := consumer.New(log.Named("consumer"), bus, verifier,
		nonces.NewMemoryStore(), time.Minute, slow, db.Signals(),
		retry.NewBreakers(log, testRetryConfig), retry.NewPolicy(testRetryConfig, testMaxAttempts),
		consumer.Config{Prefetch: 2, MaxAttempts: testMaxAttempts, GracePeriod: 5 * time.Second})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- cons.Run(runCtx) }()

	prod := producer.New(log.Named("producer"), bus, signer)
	_, err = prod.Publish(ctx, testRawSignal("sensor-1"))
	require.NoError(t, err)

	// wait until the message is in flight, then cancel intake
	require.Eventually(t, func() bool {
		depth, err := bus.QueueDepth(ctx, broker.RawQueue)
		return err == nil && depth == 0
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("consumer did not drain")
	}

	// the in-flight message finished inside the grace period
	stats, err := db.Signals().Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.TotalSignals)
}
