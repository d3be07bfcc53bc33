// Package queue is the durable FIFO between the inbox and the sender. Messages
// are opaque byte strings (serialized submission envelopes) published under a
// single routing key to the default exchange.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned once the connection or consumer has gone away.
var ErrClosed = errors.New("queue closed")

// DefaultRoutingKey names the queue when nothing else is configured.
const DefaultRoutingKey = "apub-queue"

// Publisher appends a persistent message to the queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// DepthReader reports the number of ready messages without side effects.
type DepthReader interface {
	Depth(ctx context.Context) (int, error)
}

// Producer is what the inbox needs from the queue.
type Producer interface {
	Publisher
	DepthReader
}

// Consumer hands out deliveries with manual acknowledgement.
//
// Receive waits up to timeout for the next delivery and returns (nil, nil)
// when none arrived. A zero timeout waits until a delivery arrives, the context
// ends or the consumer is closed; a negative timeout only polls.
type Consumer interface {
	Receive(ctx context.Context, timeout time.Duration) (*amqp091.Delivery, error)
}

// waitFor turns a Receive timeout into a channel; nil blocks forever.
func waitFor(timeout time.Duration) (<-chan time.Time, func()) {
	switch {
	case timeout == 0:
		return nil, func() {}
	case timeout < 0:
		ch := make(chan time.Time)
		close(ch)
		return ch, func() {}
	default:
		t := time.NewTimer(timeout)
		return t.C, func() { t.Stop() }
	}
}
