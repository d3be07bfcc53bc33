package dlq_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fedqueue/apqb/internal/dlq"
)

func runNATS(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping nats integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		Cmd:          []string{"-js"},
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("nats container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(c) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestJetStreamWriter_WriteAndList(t *testing.T) {
	url := runNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w, err := dlq.Connect(ctx, url, "apqb-test", nil)
	require.NoError(t, err)
	defer w.Close()

	first := sampleRejection("https://remote.example/1", 400)
	second := sampleRejection("https://remote.example/2", 410)
	require.NoError(t, w.Write(ctx, first))
	require.NoError(t, w.Write(ctx, second))
	require.NoError(t, w.Write(ctx, first), "duplicate ids are deduplicated by the stream")

	got, err := w.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, 410, got[1].Status)

	stats, err := w.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats["total_messages"])
}
