package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	URL        string
	Username   string
	Password   string
	RoutingKey string
	TLS        TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

// RabbitMQ publishes to and consumes from one durable queue named by the
// routing key.
type RabbitMQ struct {
	cfg   Config
	conn  *amqp091.Connection
	pubCh *amqp091.Channel
}

// Dial connects and opens a publisher channel in confirm mode.
func Dial(cfg Config) (*RabbitMQ, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = DefaultRoutingKey
	}

	dialCfg := amqp091.Config{}
	if cfg.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}
	tlsCfg, err := cfg.TLS.build()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}

	conn, err := amqp091.DialConfig(strings.TrimSpace(cfg.URL), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &RabbitMQ{cfg: cfg, conn: conn, pubCh: ch}, nil
}

// Declare creates the queue if needed: durable, shared, never auto-deleted.
func (r *RabbitMQ) Declare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(r.cfg.RoutingKey, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", r.cfg.RoutingKey, err)
	}
	return nil
}

// Depth returns the ready message count via a passive declare. A failed
// passive declare closes its channel, so each lookup uses a fresh one.
func (r *RabbitMQ) Depth(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()
	q, err := ch.QueueDeclarePassive(r.cfg.RoutingKey, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", r.cfg.RoutingKey, err)
	}
	return q.Messages, nil
}

// Publish sends body as a persistent message and waits for the broker confirm.
func (r *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	confirm, err := r.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", r.cfg.RoutingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		if errors.Is(err, amqp091.ErrClosed) {
			return fmt.Errorf("publish: %w", ErrClosed)
		}
		return fmt.Errorf("publish: %w", err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("publish nacked by broker")
	}
	return nil
}

// NewConsumer opens a channel limited to prefetch unacknowledged deliveries and
// starts a manual-ack consumer on the queue.
func (r *RabbitMQ) NewConsumer(prefetch int, tag string) (*RabbitConsumer, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(r.cfg.RoutingKey, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	return &RabbitConsumer{ch: ch, tag: tag, deliveries: deliveries}, nil
}

// NotifyClose reports the connection shutting down.
func (r *RabbitMQ) NotifyClose() <-chan *amqp091.Error {
	return r.conn.NotifyClose(make(chan *amqp091.Error, 1))
}

func (r *RabbitMQ) Close() error {
	var errs []error
	if r.pubCh != nil {
		if err := r.pubCh.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RabbitConsumer implements Consumer on a dedicated channel.
type RabbitConsumer struct {
	ch         *amqp091.Channel
	tag        string
	deliveries <-chan amqp091.Delivery
}

func (c *RabbitConsumer) Receive(ctx context.Context, timeout time.Duration) (*amqp091.Delivery, error) {
	expired, stop := waitFor(timeout)
	defer stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return &d, nil
	case <-expired:
		return nil, nil
	}
}

// Close cancels the consumer and closes its channel. Unacknowledged
// deliveries return to the queue.
func (c *RabbitConsumer) Close() error {
	var errs []error
	if err := c.ch.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, err)
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t TLSConfig) build() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: t.InsecureSkipVerify, ServerName: t.ServerName}
	if t.CAFile != "" {
		pemBytes, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
