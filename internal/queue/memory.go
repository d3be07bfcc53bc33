package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type memoryMessage struct {
	body        []byte
	redelivered bool
}

type inflight struct {
	tag uint64
	msg memoryMessage
}

// MemoryBroker is an in-process queue with AMQP acknowledgement semantics:
// per-consumer delivery tags, prefetch limits, multiple acks and nacks, and
// requeue to the head of the queue. It is not durable.
type MemoryBroker struct {
	routingKey string

	mu      sync.Mutex
	ready   []memoryMessage
	changed chan struct{}
	closed  bool
}

func NewMemoryBroker(routingKey string) *MemoryBroker {
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return &MemoryBroker{routingKey: routingKey, changed: make(chan struct{})}
}

// broadcast wakes every waiting consumer. Callers hold b.mu.
func (b *MemoryBroker) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *MemoryBroker) Publish(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.ready = append(b.ready, memoryMessage{body: append([]byte(nil), body...)})
	b.broadcast()
	return nil
}

// Depth counts ready messages; unacknowledged deliveries are not included.
func (b *MemoryBroker) Depth(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return len(b.ready), nil
}

// Bodies returns a copy of the ready messages in queue order.
func (b *MemoryBroker) Bodies() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.ready))
	for i, m := range b.ready {
		out[i] = append([]byte(nil), m.body...)
	}
	return out
}

// Close stops the broker. Pending Receive calls return ErrClosed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcast()
	}
	return nil
}

// NewConsumer returns a consumer allowed prefetch unacknowledged deliveries;
// zero means unlimited.
func (b *MemoryBroker) NewConsumer(prefetch int) *MemoryConsumer {
	return &MemoryConsumer{broker: b, prefetch: prefetch}
}

// MemoryConsumer plays the role of an AMQP channel: delivery tags are scoped to
// it and it is the Acknowledger of the deliveries it hands out.
type MemoryConsumer struct {
	broker   *MemoryBroker
	prefetch int
	nextTag  uint64
	unacked  []inflight
	closed   bool
}

func (c *MemoryConsumer) Receive(ctx context.Context, timeout time.Duration) (*amqp091.Delivery, error) {
	expired, stop := waitFor(timeout)
	defer stop()

	b := c.broker
	for {
		b.mu.Lock()
		if b.closed || c.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if len(b.ready) > 0 && (c.prefetch <= 0 || len(c.unacked) < c.prefetch) {
			msg := b.ready[0]
			b.ready = b.ready[1:]
			c.nextTag++
			c.unacked = append(c.unacked, inflight{tag: c.nextTag, msg: msg})
			d := amqp091.Delivery{
				Acknowledger: c,
				DeliveryTag:  c.nextTag,
				Redelivered:  msg.redelivered,
				RoutingKey:   b.routingKey,
				ContentType:  "application/json",
				DeliveryMode: amqp091.Persistent,
				Body:         msg.body,
			}
			b.mu.Unlock()
			return &d, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			return nil, nil
		case <-changed:
		}
	}
}

// take removes the in-flight deliveries selected by tag and multiple. Callers
// hold the broker lock.
func (c *MemoryConsumer) take(tag uint64, multiple bool) ([]inflight, error) {
	if c.closed {
		return nil, ErrClosed
	}
	var taken, kept []inflight
	for _, f := range c.unacked {
		if f.tag == tag || (multiple && f.tag < tag) {
			taken = append(taken, f)
			continue
		}
		kept = append(kept, f)
	}
	if len(taken) == 0 || taken[len(taken)-1].tag != tag {
		return nil, fmt.Errorf("unknown delivery tag %d", tag)
	}
	c.unacked = kept
	return taken, nil
}

func (c *MemoryConsumer) Ack(tag uint64, multiple bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := c.take(tag, multiple); err != nil {
		return err
	}
	b.broadcast()
	return nil
}

func (c *MemoryConsumer) Nack(tag uint64, multiple bool, requeue bool) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	taken, err := c.take(tag, multiple)
	if err != nil {
		return err
	}
	if requeue {
		c.requeue(taken)
	}
	b.broadcast()
	return nil
}

func (c *MemoryConsumer) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}

// requeue puts deliveries back at the head of the queue in their original
// order. Callers hold the broker lock.
func (c *MemoryConsumer) requeue(taken []inflight) {
	head := make([]memoryMessage, 0, len(taken)+len(c.broker.ready))
	for _, f := range taken {
		m := f.msg
		m.redelivered = true
		head = append(head, m)
	}
	c.broker.ready = append(head, c.broker.ready...)
}

// Unacked is the number of deliveries awaiting acknowledgement.
func (c *MemoryConsumer) Unacked() int {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return len(c.unacked)
}

// Close requeues everything still unacknowledged, as closing a channel does.
func (c *MemoryConsumer) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.requeue(c.unacked)
	c.unacked = nil
	c.closed = true
	b.broadcast()
	return nil
}
