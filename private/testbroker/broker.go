// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testbroker implements an in-memory broker with the production
// topology, for tests that exercise the pipeline without RabbitMQ.
package testbroker

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"xraygrid.io/xraygrid/xray/broker"
)

// Error is the testbroker error class.
var Error = errs.Class("testbroker")

type message struct {
	headers broker.Headers
	body    []byte
}

type queue struct {
	name          string
	dlxExchange   string
	dlxRoutingKey string
	ready         []*message
}

type binding struct {
	exchange   string
	routingKey string
	queue      string
}

// Broker is an in-memory broker.Broker implementation.
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	closed     bool
	closeCh    chan struct{}
	publishErr error

	exchanges map[string]bool
	queues    map[string]*queue
	bindings  []binding
	published []broker.Publication
}

var _ broker.Broker = (*Broker)(nil)

// New creates an empty in-memory broker.
func New() *Broker {
	b := &Broker{
		closeCh:   make(chan struct{}),
		exchanges: map[string]bool{},
		queues:    map[string]*queue{},
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// DeclareTopology mirrors the production exchanges, queues and bindings.
func (b *Broker) DeclareTopology(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Error.New("closed")
	}

	b.exchanges[broker.Exchange] = true
	b.exchanges[broker.DeadLetterExchange] = true

	b.declareQueueLocked(broker.RawQueue, broker.DeadLetterExchange, broker.DeadLetterRoutingKey)
	b.bindLocked(broker.RawQueue, broker.RawRoutingKey, broker.Exchange)

	b.declareQueueLocked(broker.RetryQueue, broker.Exchange, broker.RawRoutingKey)
	b.bindLocked(broker.RetryQueue, broker.RetryRoutingKey, broker.DeadLetterExchange)

	b.declareQueueLocked(broker.DeadLetterQueue, "", "")
	b.bindLocked(broker.DeadLetterQueue, broker.DeadLetterRoutingKey, broker.DeadLetterExchange)

	b.declareQueueLocked(broker.StatusQueue, "", "")
	b.bindLocked(broker.StatusQueue, broker.StatusRoutingKey, broker.Exchange)

	return nil
}

func (b *Broker) declareQueueLocked(name, dlxExchange, dlxRoutingKey string) {
	if _, ok := b.queues[name]; ok {
		return
	}
	b.queues[name] = &queue{name: name, dlxExchange: dlxExchange, dlxRoutingKey: dlxRoutingKey}
}

func (b *Broker) bindLocked(queueName, routingKey, exchange string) {
	for _, bind := range b.bindings {
		if bind.queue == queueName && bind.routingKey == routingKey && bind.exchange == exchange {
			return
		}
	}
	b.bindings = append(b.bindings, binding{exchange: exchange, routingKey: routingKey, queue: queueName})
}

// SetPublishError makes every following publish fail with err. A nil err
// restores normal publishing.
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Published returns a copy of every accepted publication, in order.
func (b *Broker) Published() []broker.Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Publication(nil), b.published...)
}

// Publish routes a message to every queue bound to the routing key.
func (b *Broker) Publish(ctx context.Context, pub broker.Publication) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Error.New("closed")
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	if !b.exchanges[pub.Exchange] {
		return Error.New("unknown exchange %q", pub.Exchange)
	}

	b.published = append(b.published, pub)
	b.routeLocked(pub.Exchange, pub.RoutingKey, message{headers: pub.Headers, body: pub.Body}, pub.Expiration)
	b.cond.Broadcast()
	return nil
}

// routeLocked appends a copy of msg to every queue bound to the routing
// key, arming a dead-letter timer when the message carries an expiration.
func (b *Broker) routeLocked(exchange, routingKey string, msg message, expiration time.Duration) {
	for _, bind := range b.bindings {
		if bind.exchange != exchange || bind.routingKey != routingKey {
			continue
		}
		q, ok := b.queues[bind.queue]
		if !ok {
			continue
		}
		copied := msg
		q.ready = append(q.ready, &copied)
		if expiration > 0 && q.dlxExchange != "" {
			b.armExpiry(q, &copied, expiration)
		}
	}
}

// armExpiry dead-letters the message after the delay, unless it was
// consumed first.
func (b *Broker) armExpiry(q *queue, msg *message, after time.Duration) {
	time.AfterFunc(after, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		for i, m := range q.ready {
			if m == msg {
				q.ready = append(q.ready[:i], q.ready[i+1:]...)
				b.routeLocked(q.dlxExchange, q.dlxRoutingKey, *msg, 0)
				b.cond.Broadcast()
				return
			}
		}
	})
}

// Consume delivers messages until ctx is canceled, keeping at most
// prefetch deliveries unacked.
func (b *Broker) Consume(ctx context.Context, queueName string, prefetch int) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, Error.New("closed")
	}
	if !ok {
		return nil, Error.New("unknown queue %q", queueName)
	}
	if prefetch < 1 {
		prefetch = 1
	}

	cons := &consumer{prefetch: prefetch}
	out := make(chan broker.Delivery)

	// wake the cond loop when the consumer context ends
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})

	go func() {
		defer close(out)
		defer stop()
		for {
			b.mu.Lock()
			for !b.closed && ctx.Err() == nil && (len(q.ready) == 0 || cons.inflight >= cons.prefetch) {
				b.cond.Wait()
			}
			if b.closed || ctx.Err() != nil {
				b.mu.Unlock()
				return
			}
			msg := q.ready[0]
			q.ready = q.ready[1:]
			cons.inflight++
			b.mu.Unlock()

			d := &delivery{broker: b, queue: q, msg: msg, cons: cons}
			select {
			case out <- d:
			case <-ctx.Done():
				b.mu.Lock()
				q.ready = append([]*message{msg}, q.ready...)
				cons.inflight--
				b.mu.Unlock()
				return
			case <-b.closeCh:
				return
			}
		}
	}()
	return out, nil
}

// Get pulls one ready message without waiting.
func (b *Broker) Get(ctx context.Context, queueName string) (broker.Delivery, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, Error.New("closed")
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, false, Error.New("unknown queue %q", queueName)
	}
	if len(q.ready) == 0 {
		return nil, false, nil
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	return &delivery{broker: b, queue: q, msg: msg}, true, nil
}

// QueueDepth reports the number of ready messages in the queue.
func (b *Broker) QueueDepth(ctx context.Context, queueName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, Error.New("unknown queue %q", queueName)
	}
	return int64(len(q.ready)), nil
}

// Close stops delivery. Pending messages are discarded with the broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.cond.Broadcast()
	return nil
}

type consumer struct {
	prefetch int
	inflight int
}

type delivery struct {
	broker   *Broker
	queue    *queue
	msg      *message
	cons     *consumer
	resolved bool
}

func (d *delivery) Headers() broker.Headers { return d.msg.headers }

func (d *delivery) Body() []byte { return d.msg.body }

// Ack removes the message permanently.
func (d *delivery) Ack() error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	return d.resolveLocked(false, false)
}

// Nack requeues the message or dead-letters it, mirroring AMQP semantics:
// without requeue the message routes to the queue's dead-letter exchange,
// or is dropped when the queue has none.
func (d *delivery) Nack(requeue bool) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	return d.resolveLocked(true, requeue)
}

func (d *delivery) resolveLocked(nack, requeue bool) error {
	if d.resolved {
		return Error.New("delivery already resolved")
	}
	d.resolved = true
	if d.cons != nil {
		d.cons.inflight--
	}
	if nack {
		if requeue {
			d.queue.ready = append([]*message{d.msg}, d.queue.ready...)
		} else if d.queue.dlxExchange != "" {
			d.broker.routeLocked(d.queue.dlxExchange, d.queue.dlxRoutingKey, *d.msg, 0)
		}
	}
	d.broker.cond.Broadcast()
	return nil
}
