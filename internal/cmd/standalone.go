package cmd

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fedqueue/apqb/internal/server"
)

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Run the inbox and the sender in one process",
	Long: `Runs the admission gate and the batch coordinator side by side on one
queue connection. With queue.backend=memory no broker is needed at all, at
the cost of losing queued deliveries on exit.`,
	Args: cobra.NoArgs,
	RunE: runStandalone,
}

func init() {
	rootCmd.AddCommand(standaloneCmd)
}

func runStandalone(cmd *cobra.Command, _ []string) error {
	if err := cfg.RequireSenderDestination(); err != nil {
		return err
	}

	b, err := openBroker(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := watchBroker(cmd.Context(), b)
	defer stop()

	srv, limiter, err := newInboxServer(b)
	if err != nil {
		return err
	}
	defer limiter.Close()

	coord, consumer, err := newCoordinator(b)
	if err != nil {
		return err
	}
	defer consumer.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, srv, cfg.Server.ShutdownTimeout, logger.Logger)
	})
	g.Go(func() error {
		return runCoordinator(gctx, coord)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return brokerLost(ctx)
}
