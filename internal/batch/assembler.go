// Package batch is the sender side: it collects queued deliveries into
// batches, submits them to the batch endpoint and settles each delivery with
// the queue according to the per-item outcome.
package batch

import (
	"context"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/fedqueue/apqb/internal/queue"
)

const DefaultIdleBackoff = 100 * time.Millisecond

// Assembler collects up to Size deliveries, waiting at most MaxWait after the
// first one arrives.
type Assembler struct {
	Consumer    queue.Consumer
	Size        int
	MaxWait     time.Duration
	IdleBackoff time.Duration

	now func() time.Time
}

// Collect returns between 1 and Size deliveries in queue order. It keeps
// polling while the queue is empty and only returns without deliveries on
// error.
func (a *Assembler) Collect(ctx context.Context) ([]amqp091.Delivery, error) {
	size := a.Size
	if size < 1 {
		size = 1
	}
	backoff := a.IdleBackoff
	if backoff <= 0 {
		backoff = DefaultIdleBackoff
	}
	now := a.now
	if now == nil {
		now = time.Now
	}

	batch := make([]amqp091.Delivery, 0, size)
	var deadline time.Time

	for {
		// Without an armed deadline the wait is unbounded.
		var timeout time.Duration
		if !deadline.IsZero() {
			timeout = deadline.Sub(now())
			if timeout <= 0 {
				return batch, nil
			}
		}

		d, err := a.Consumer.Receive(ctx, timeout)
		if err != nil {
			return nil, err
		}

		if d == nil {
			if len(batch) > 0 {
				return batch, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		batch = append(batch, *d)
		if len(batch) == 1 && size > 1 {
			deadline = now().Add(a.MaxWait)
		}
		if len(batch) >= size {
			return batch, nil
		}
		if !deadline.IsZero() && !now().Before(deadline) {
			return batch, nil
		}
	}
}
