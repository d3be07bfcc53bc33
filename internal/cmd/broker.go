package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/fedqueue/apqb/internal/config"
	"github.com/fedqueue/apqb/internal/queue"
)

// broker is the queue as the commands see it, whatever the backend.
type broker interface {
	queue.Producer
	consumer(prefetch int, tag string) (queue.Consumer, io.Closer, error)
	// closed yields once when the connection is lost. Nil for backends that
	// cannot lose one.
	closed() <-chan *amqp091.Error
	Close() error
}

type rabbitBroker struct {
	*queue.RabbitMQ
	notify <-chan *amqp091.Error
}

func (b rabbitBroker) consumer(prefetch int, tag string) (queue.Consumer, io.Closer, error) {
	c, err := b.NewConsumer(prefetch, tag)
	if err != nil {
		return nil, nil, err
	}
	return c, c, nil
}

func (b rabbitBroker) closed() <-chan *amqp091.Error { return b.notify }

type memoryBroker struct {
	*queue.MemoryBroker
}

func (b memoryBroker) consumer(prefetch int, _ string) (queue.Consumer, io.Closer, error) {
	c := b.NewConsumer(prefetch)
	return c, c, nil
}

func (memoryBroker) closed() <-chan *amqp091.Error { return nil }

func queueConfig(c *config.Config) queue.Config {
	return queue.Config{
		URL:        c.AMQPURL(),
		Username:   c.Queue.Username,
		Password:   c.Queue.Password,
		RoutingKey: c.Queue.RoutingKey,
		TLS: queue.TLSConfig{
			Enabled:            c.Queue.TLS.Enabled,
			InsecureSkipVerify: c.Queue.TLS.InsecureSkipVerify,
			ServerName:         c.Queue.TLS.ServerName,
			CAFile:             c.Queue.TLS.CAFile,
			CertFile:           c.Queue.TLS.CertFile,
			KeyFile:            c.Queue.TLS.KeyFile,
		},
	}
}

// openBroker connects to the configured backend and makes sure the queue
// exists.
func openBroker(ctx context.Context, c *config.Config) (broker, error) {
	if c.Queue.Backend == "memory" {
		logger.Warn("using the in-memory queue, deliveries are lost on exit and not shared between processes")
		return memoryBroker{queue.NewMemoryBroker(c.Queue.RoutingKey)}, nil
	}

	r, err := queue.Dial(queueConfig(c))
	if err != nil {
		return nil, err
	}
	if err := r.Declare(ctx); err != nil {
		r.Close()
		return nil, err
	}
	logger.Info("connected to rabbitmq", "queue", c.Queue.RoutingKey)
	return rabbitBroker{RabbitMQ: r, notify: r.NotifyClose()}, nil
}

// watchBroker returns a context that ends when the broker connection drops.
// The cause is then reported by brokerLost.
func watchBroker(ctx context.Context, b broker) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case amqpErr, ok := <-b.closed():
			if ok && amqpErr != nil {
				cancel(fmt.Errorf("%w: %v", queue.ErrClosed, amqpErr))
				return
			}
			cancel(queue.ErrClosed)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

func brokerLost(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, queue.ErrClosed) {
		return cause
	}
	return nil
}

func consumerTag(role string) string {
	return fmt.Sprintf("apqb-%s-%s", role, uuid.NewString()[:8])
}

func depthCheck(b broker) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := b.Depth(ctx)
		return err
	}
}
