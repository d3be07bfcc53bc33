package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedqueue/apqb/internal/activity"
	"github.com/fedqueue/apqb/internal/queue"
)

func publish(t *testing.T, b *queue.MemoryBroker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		body, err := envelope(activityID(i)).Marshal()
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), body))
	}
}

func TestAssembler_NeverExceedsSize(t *testing.T) {
	broker := queue.NewMemoryBroker("")
	publish(t, broker, 10)

	a := &Assembler{Consumer: broker.NewConsumer(0), Size: 3, MaxWait: time.Second}
	batch, err := a.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, d := range batch {
		env, err := activity.UnmarshalSubmission(d.Body)
		require.NoError(t, err)
		assert.Equal(t, activityID(i), env.ActivityID, "queue order")
	}

	depth, err := broker.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, depth)
}

func TestAssembler_SizeOneDoesNotWait(t *testing.T) {
	broker := queue.NewMemoryBroker("")
	publish(t, broker, 5)

	a := &Assembler{Consumer: broker.NewConsumer(0), Size: 1, MaxWait: time.Hour}
	start := time.Now()
	batch, err := a.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAssembler_SizeOneNeverArmsDeadline(t *testing.T) {
	consumer := &scriptedConsumer{items: deliveries(t, newAckRecorder(), 1)}
	a := &Assembler{Consumer: consumer, Size: 1, MaxWait: time.Hour}

	batch, err := a.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 1)
	assert.Equal(t, []time.Duration{0}, consumer.timeouts)
}

func TestAssembler_ReturnsPartialBatchAtMaxWait(t *testing.T) {
	broker := queue.NewMemoryBroker("")
	publish(t, broker, 1)

	maxWait := 50 * time.Millisecond
	a := &Assembler{Consumer: broker.NewConsumer(0), Size: 5, MaxWait: maxWait}
	start := time.Now()
	batch, err := a.Collect(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Len(t, batch, 1)
	assert.GreaterOrEqual(t, elapsed, maxWait)
	assert.Less(t, elapsed, maxWait+500*time.Millisecond)
}

func TestAssembler_ReturnsOnSizeBeforeMaxWait(t *testing.T) {
	broker := queue.NewMemoryBroker("")
	consumer := broker.NewConsumer(0)

	go func() {
		for i := 0; i < 3; i++ {
			body, _ := envelope(activityID(i)).Marshal()
			_ = broker.Publish(context.Background(), body)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	a := &Assembler{Consumer: consumer, Size: 3, MaxWait: 2 * time.Second}
	start := time.Now()
	batch, err := a.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.Less(t, time.Since(start), time.Second, "returned on the third arrival, not at max wait")
}

func TestAssembler_TimeoutsShrinkTowardsDeadline(t *testing.T) {
	consumer := &scriptedConsumer{items: deliveries(t, newAckRecorder(), 3)}
	maxWait := time.Second
	a := &Assembler{Consumer: consumer, Size: 5, MaxWait: maxWait}

	batch, err := a.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 3)

	require.GreaterOrEqual(t, len(consumer.timeouts), 2)
	assert.Equal(t, time.Duration(0), consumer.timeouts[0], "no deadline before the first item")
	for _, timeout := range consumer.timeouts[1:] {
		assert.Greater(t, timeout, time.Duration(0))
		assert.LessOrEqual(t, timeout, maxWait)
	}
}

func TestAssembler_IdleBackoff(t *testing.T) {
	consumer := &scriptedConsumer{}
	a := &Assembler{Consumer: consumer, Size: 2, MaxWait: time.Second, IdleBackoff: 10 * time.Millisecond}

	items := deliveries(t, newAckRecorder(), 2)
	go func() {
		time.Sleep(35 * time.Millisecond)
		consumer.mu.Lock()
		consumer.items = items
		consumer.mu.Unlock()
	}()

	batch, err := a.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	assert.GreaterOrEqual(t, len(consumer.timeouts), 3, "polled again after each idle backoff")
}

func TestAssembler_ContextCancelled(t *testing.T) {
	a := &Assembler{Consumer: queue.NewMemoryBroker("").NewConsumer(0), Size: 2, MaxWait: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	batch, err := a.Collect(ctx)
	assert.Nil(t, batch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAssembler_ConsumerError(t *testing.T) {
	a := &Assembler{Consumer: &scriptedConsumer{err: queue.ErrClosed}, Size: 2, MaxWait: time.Second}

	_, err := a.Collect(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}
