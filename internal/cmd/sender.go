package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fedqueue/apqb/common/logging"
	"github.com/fedqueue/apqb/internal/batch"
	"github.com/fedqueue/apqb/internal/server"
)

var senderCmd = &cobra.Command{
	Use:   "sender",
	Short: "Drain the queue into batches for the receiver",
	Long: `Runs the batch coordinator. Deliveries are collected into batches of at
most batch.size, sent to the batch endpoint and acknowledged per item.

The sender exits with status 1 after returning deliveries to the queue, so
that a supervisor restarts it from a clean state.`,
	Args: cobra.NoArgs,
	RunE: runSender,
}

func init() {
	rootCmd.AddCommand(senderCmd)
}

func runSender(cmd *cobra.Command, _ []string) error {
	if err := cfg.RequireSenderDestination(); err != nil {
		return err
	}
	ctx := cmd.Context()

	b, err := openBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	coord, consumer, err := newCoordinator(b)
	if err != nil {
		return err
	}
	defer consumer.Close()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		ops := server.New(cfg.Metrics.Addr, server.NewOpsRouter(server.ReadinessCheck(depthCheck(b))), cfg.Server)
		g.Go(func() error {
			return server.Run(gctx, ops, cfg.Server.ShutdownTimeout, logger.Logger)
		})
	}
	g.Go(func() error {
		return runCoordinator(gctx, coord)
	})
	return g.Wait()
}

// newCoordinator builds the sender pipeline on b. The caller closes the
// returned consumer, which hands unacknowledged deliveries back to the queue.
func newCoordinator(b broker) (*batch.Coordinator, io.Closer, error) {
	consumer, closer, err := b.consumer(cfg.Batch.Size, consumerTag("sender"))
	if err != nil {
		return nil, nil, err
	}
	assembler := &batch.Assembler{
		Consumer:    consumer,
		Size:        cfg.Batch.Size,
		MaxWait:     cfg.Batch.MaxWait,
		IdleBackoff: cfg.Batch.IdleBackoff,
	}
	client := batch.NewClient(cfg.BatchURL(), cfg.Batch.UserAgent, cfg.Batch.Authorization, cfg.Batch.RequestTimeout)
	logger.Info("sender configured",
		logging.URL(cfg.BatchURL()),
		logging.BatchSize(cfg.Batch.Size),
		"max_wait", cfg.Batch.MaxWait.String())
	return batch.NewCoordinator(assembler, client, logger.With(logging.Service("sender"))), closer, nil
}

// runCoordinator runs cycles until ctx ends, which is a clean stop, or a cycle
// fails.
func runCoordinator(ctx context.Context, coord *batch.Coordinator) error {
	err := coord.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("sender stopped")
		return nil
	}
	switch {
	case errors.Is(err, batch.ErrRequeueAndHalt):
		logger.Warn("deliveries returned to the queue, stopping sender", logging.Error(err))
	case errors.Is(err, batch.ErrTransport):
		logger.Error("batch endpoint failed, stopping sender", logging.Error(err))
	default:
		logger.Error("sender failed", logging.Error(err))
	}
	return err
}
