package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	StreamName    = "APQB_REJECTED"
	subjectPrefix = "apqb.rejected"
)

// Subject is where a record with the given upstream status is published.
func Subject(status int) string {
	return fmt.Sprintf("%s.%d", subjectPrefix, status)
}

// JetStreamWriter publishes records to a file-backed JetStream stream so every
// receiver instance shares one log.
type JetStreamWriter struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	written uint64
}

// Connect dials NATS and creates or updates the reject stream.
func Connect(ctx context.Context, url, name string, logger *slog.Logger) (*JetStreamWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	w, err := NewJetStreamWriter(ctx, nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return w, nil
}

// NewJetStreamWriter uses an existing connection. Close closes it.
func NewJetStreamWriter(ctx context.Context, nc *nats.Conn) (*JetStreamWriter, error) {
	if nc == nil {
		return nil, errors.New("nats connection is nil")
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		MaxAge:    30 * 24 * time.Hour,
		MaxBytes:  1 << 30,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create reject stream: %w", err)
	}
	return &JetStreamWriter{nc: nc, js: js, stream: stream}, nil
}

func (w *JetStreamWriter) Write(ctx context.Context, rec RejectedDelivery) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal rejected delivery: %w", err)
	}
	if _, err := w.js.Publish(ctx, Subject(rec.Status), data, jetstream.WithMsgID(rec.ID)); err != nil {
		return fmt.Errorf("publish rejected delivery: %w", err)
	}
	atomic.AddUint64(&w.written, 1)
	return nil
}

func (w *JetStreamWriter) List(ctx context.Context, limit int) ([]RejectedDelivery, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	consumer, err := w.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subjectPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch rejected deliveries: %w", err)
	}

	var out []RejectedDelivery
	for msg := range msgs.Messages() {
		var rec RejectedDelivery
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			return nil, fmt.Errorf("parse rejected delivery: %w", err)
		}
		out = append(out, rec)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch rejected deliveries: %w", err)
	}
	return out, nil
}

// Stats reports the stream state.
func (w *JetStreamWriter) Stats(ctx context.Context) (map[string]any, error) {
	info, err := w.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("reject stream info: %w", err)
	}
	return map[string]any{
		"backend":        "jetstream",
		"written_local":  atomic.LoadUint64(&w.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}, nil
}

func (w *JetStreamWriter) Close() error {
	if w.nc != nil {
		return w.nc.Drain()
	}
	return nil
}
