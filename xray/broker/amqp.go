// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// AMQP implements Broker on a RabbitMQ connection.
type AMQP struct {
	log  *zap.Logger
	conn *amqp.Connection

	// publishes share one channel and must not interleave frames
	mu      sync.Mutex
	pubChan *amqp.Channel
}

var _ Broker = (*AMQP)(nil)

// Dial connects to the broker at the configured URL.
func Dial(ctx context.Context, log *zap.Logger, config Config) (*AMQP, error) {
	conn, err := amqp.DialConfig(config.URL, amqp.Config{
		Heartbeat: config.Heartbeat,
		Dial:      amqp.DefaultDial(config.ConnectTimeout),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	pubChan, err := conn.Channel()
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, conn.Close()))
	}

	return &AMQP{log: log, conn: conn, pubChan: pubChan}, nil
}

// DeclareTopology creates the exchanges, queues and bindings.
func (broker *AMQP) DeclareTopology(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ch, err := broker.conn.Channel()
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(ch.Close())) }()

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return Error.Wrap(err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return Error.Wrap(err)
	}

	if _, err := ch.QueueDeclare(RawQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": DeadLetterRoutingKey,
		"x-message-ttl":             int64(RawMessageTTL / time.Millisecond),
	}); err != nil {
		return Error.Wrap(err)
	}
	if err := ch.QueueBind(RawQueue, RawRoutingKey, Exchange, false, nil); err != nil {
		return Error.Wrap(err)
	}

	// expired messages in the retry queue route back to the primary queue
	if _, err := ch.QueueDeclare(RetryQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    Exchange,
		"x-dead-letter-routing-key": RawRoutingKey,
	}); err != nil {
		return Error.Wrap(err)
	}
	if err := ch.QueueBind(RetryQueue, RetryRoutingKey, DeadLetterExchange, false, nil); err != nil {
		return Error.Wrap(err)
	}

	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return Error.Wrap(err)
	}
	if err := ch.QueueBind(DeadLetterQueue, DeadLetterRoutingKey, DeadLetterExchange, false, nil); err != nil {
		return Error.Wrap(err)
	}

	if _, err := ch.QueueDeclare(StatusQueue, true, false, false, false, nil); err != nil {
		return Error.Wrap(err)
	}
	if err := ch.QueueBind(StatusQueue, StatusRoutingKey, Exchange, false, nil); err != nil {
		return Error.Wrap(err)
	}

	return nil
}

// Publish sends a single persistent message.
func (broker *AMQP) Publish(ctx context.Context, pub Publication) (err error) {
	defer mon.Task()(&ctx)(&err)

	publishing := amqp.Publishing{
		Headers:      pub.Headers.Table(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         pub.Body,
	}
	if pub.Expiration > 0 {
		publishing.Expiration = strconv.FormatInt(int64(pub.Expiration/time.Millisecond), 10)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	return Error.Wrap(broker.pubChan.PublishWithContext(ctx,
		pub.Exchange, pub.RoutingKey, false, false, publishing))
}

// Consume opens a dedicated channel with the given prefetch and forwards
// deliveries until ctx is canceled. The channel stays open afterwards so
// in-flight deliveries can still be acked during drain; Close tears it
// down with the connection.
func (broker *AMQP) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	ch, err := broker.conn.Channel()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, Error.Wrap(errs.Combine(err, ch.Close()))
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, ch.Close()))
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for delivery := range deliveries {
			select {
			case out <- &amqpDelivery{src: delivery}:
			case <-ctx.Done():
				if err := delivery.Nack(false, true); err != nil {
					broker.log.Debug("requeue on shutdown failed", zap.Error(err))
				}
				return
			}
		}
	}()
	return out, nil
}

// Get pulls a single message from the queue without waiting.
func (broker *AMQP) Get(ctx context.Context, queue string) (_ Delivery, ok bool, err error) {
	defer mon.Task()(&ctx)(&err)

	broker.mu.Lock()
	delivery, ok, err := broker.pubChan.Get(queue, false)
	broker.mu.Unlock()
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	if !ok {
		return nil, false, nil
	}
	return &amqpDelivery{src: delivery}, true, nil
}

// QueueDepth reports the number of ready messages in the queue.
func (broker *AMQP) QueueDepth(ctx context.Context, queue string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	broker.mu.Lock()
	state, err := broker.pubChan.QueueInspect(queue)
	broker.mu.Unlock()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return int64(state.Messages), nil
}

// Close tears down the connection and all channels opened from it.
func (broker *AMQP) Close() error {
	return Error.Wrap(broker.conn.Close())
}

type amqpDelivery struct {
	src     amqp.Delivery
	decoded *Headers
}

func (d *amqpDelivery) Headers() Headers {
	if d.decoded == nil {
		headers := HeadersFromTable(d.src.Headers)
		d.decoded = &headers
	}
	return *d.decoded
}

func (d *amqpDelivery) Body() []byte { return d.src.Body }

func (d *amqpDelivery) Ack() error { return Error.Wrap(d.src.Ack(false)) }

func (d *amqpDelivery) Nack(requeue bool) error {
	return Error.Wrap(d.src.Nack(false, requeue))
}
