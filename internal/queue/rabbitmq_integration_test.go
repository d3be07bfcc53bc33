package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func runRabbitMQ(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping rabbitmq integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(c) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5672")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestRabbitMQ_PublishConsumeRequeue(t *testing.T) {
	url := runRabbitMQ(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mq, err := Dial(Config{URL: url, RoutingKey: "apub-queue-it"})
	require.NoError(t, err)
	defer mq.Close()
	require.NoError(t, mq.Declare(ctx))

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, mq.Publish(ctx, []byte(body)))
	}
	require.Eventually(t, func() bool {
		depth, err := mq.Depth(ctx)
		return err == nil && depth == 3
	}, 5*time.Second, 50*time.Millisecond)

	consumer, err := mq.NewConsumer(3, "it")
	require.NoError(t, err)

	first, err := consumer.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "one", string(first.Body))
	_, err = consumer.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	last, err := consumer.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, last)

	require.NoError(t, first.Ack(false))
	require.NoError(t, last.Nack(true, true))
	require.NoError(t, consumer.Close())

	require.Eventually(t, func() bool {
		depth, err := mq.Depth(ctx)
		return err == nil && depth == 2
	}, 5*time.Second, 50*time.Millisecond)

	again, err := mq.NewConsumer(1, "it-again")
	require.NoError(t, err)
	defer again.Close()
	d, err := again.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "two", string(d.Body))
	assert.True(t, d.Redelivered)
}
