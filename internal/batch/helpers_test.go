package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/fedqueue/apqb/internal/activity"
)

// ackRecorder is an amqp091.Acknowledger that remembers every call in order.
type ackRecorder struct {
	mu     sync.Mutex
	events []string
	acked  map[uint64]bool
	ackErr error
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{acked: map[uint64]bool{}}
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, fmt.Sprintf("ack %d multiple=%t", tag, multiple))
	a.acked[tag] = true
	return a.ackErr
}

func (a *ackRecorder) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, fmt.Sprintf("nack %d multiple=%t requeue=%t", tag, multiple, requeue))
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, fmt.Sprintf("reject %d requeue=%t", tag, requeue))
	return nil
}

func (a *ackRecorder) snapshot() ([]string, map[uint64]bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acked := make(map[uint64]bool, len(a.acked))
	for k, v := range a.acked {
		acked[k] = v
	}
	return append([]string(nil), a.events...), acked
}

// scriptedConsumer hands out prepared deliveries, then reports timeouts.
type scriptedConsumer struct {
	mu       sync.Mutex
	items    []*amqp091.Delivery
	timeouts []time.Duration
	err      error
}

func (s *scriptedConsumer) Receive(ctx context.Context, timeout time.Duration) (*amqp091.Delivery, error) {
	s.mu.Lock()
	s.timeouts = append(s.timeouts, timeout)
	if s.err != nil {
		s.mu.Unlock()
		return nil, s.err
	}
	if len(s.items) > 0 {
		d := s.items[0]
		s.items = s.items[1:]
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

func envelope(id string) activity.SubmissionEnvelope {
	return activity.SubmissionEnvelope{
		ReceivedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		ActivityID: id,
		Host:       "social.example",
		Path:       "/inbox",
		Headers: activity.HeaderList{
			{Name: "Host", Value: "social.example"},
			{Name: "Content-Type", Value: activity.ContentTypeActivityJSON},
		},
		Body: []byte(`{"id":"` + id + `"}`),
	}
}

func activityID(i int) string {
	return fmt.Sprintf("https://remote.example/activities/%d", i)
}

// deliveries builds n deliveries with tags 1..n sharing one acknowledger.
func deliveries(t *testing.T, ack amqp091.Acknowledger, n int) []*amqp091.Delivery {
	t.Helper()
	out := make([]*amqp091.Delivery, n)
	for i := range out {
		body, err := envelope(activityID(i)).Marshal()
		require.NoError(t, err)
		out[i] = &amqp091.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: body}
	}
	return out
}

func response(id string, status int) activity.ResponseEnvelope {
	return activity.ResponseEnvelope{
		RespondedAt: time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC),
		ActivityID:  id,
		Status:      status,
	}
}

// submitFunc adapts a function to Submitter and records what it was sent.
type submitFunc struct {
	mu    sync.Mutex
	calls [][]activity.SubmissionEnvelope
	fn    func([]activity.SubmissionEnvelope) ([]activity.ResponseEnvelope, error)
}

func (s *submitFunc) Submit(_ context.Context, batch []activity.SubmissionEnvelope) ([]activity.ResponseEnvelope, error) {
	s.mu.Lock()
	s.calls = append(s.calls, batch)
	s.mu.Unlock()
	return s.fn(batch)
}

// statuses answers item i with statuses[i]; a shorter list ends the response
// early.
func statuses(codes ...int) *submitFunc {
	return &submitFunc{fn: func(batch []activity.SubmissionEnvelope) ([]activity.ResponseEnvelope, error) {
		var out []activity.ResponseEnvelope
		for i, env := range batch {
			if i >= len(codes) {
				break
			}
			out = append(out, response(env.ActivityID, codes[i]))
		}
		return out, nil
	}}
}

var errBoom = errors.New("boom")
