package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fedqueue/apqb/common/logging"
	"github.com/fedqueue/apqb/internal/dlq"
	"github.com/fedqueue/apqb/internal/receiver"
	"github.com/fedqueue/apqb/internal/server"
)

var receiverCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Serve the batch endpoint and replay batches against destinations",
	Long: `Runs the batch endpoint. Each item of a submitted batch is sent to its
destination inbox with the original headers, strictly in order, and the
responses are returned as a list of the same length.`,
	Args: cobra.NoArgs,
	RunE: runReceiver,
}

func init() {
	rootCmd.AddCommand(receiverCmd)
}

func runReceiver(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	var rejects dlq.Writer = dlq.NopWriter{}
	if cfg.DLQ.Enabled {
		store, err := openRejectStore(ctx)
		if err != nil {
			return err
		}
		rejects = store
	}
	defer rejects.Close()

	submitter := receiver.NewUpstreamSubmitter(
		cfg.Receiver.DestinationProtocol,
		cfg.Receiver.DestinationDomain,
		cfg.Receiver.MaxResponseBytes,
		receiver.NewUpstreamClient(cfg.Receiver.UpstreamTimeout),
	)
	endpoint := receiver.NewEndpoint(submitter, rejects, logger.With(logging.Service("receiver")))

	handler, err := server.NewReceiverRouter(endpoint, cfg.Receiver, nil, logger.Logger)
	if err != nil {
		return err
	}
	if cfg.Receiver.Authorization == "" {
		logger.Warn("receiver.authorization is empty, the batch endpoint accepts unauthenticated requests")
	}
	if cfg.Receiver.DestinationDomain != "" {
		logger.Info("overriding destination domain", "domain", cfg.Receiver.DestinationDomain)
	}

	srv := server.New(listenAddr(), handler, cfg.ReceiverServer())
	return server.Run(ctx, srv, cfg.Server.ShutdownTimeout, logger.Logger)
}

// rejectStore is a reject log that can also be listed.
type rejectStore interface {
	dlq.Writer
	dlq.Reader
}

func openRejectStore(ctx context.Context) (rejectStore, error) {
	switch cfg.DLQ.Backend {
	case "file":
		w, err := dlq.NewFileWriter(cfg.DLQ.BasePath)
		if err != nil {
			return nil, fmt.Errorf("open reject log: %w", err)
		}
		return w, nil
	default:
		w, err := dlq.Connect(ctx, cfg.DLQ.NatsURL, "apqb", logger.Logger)
		if err != nil {
			return nil, fmt.Errorf("open reject log: %w", err)
		}
		return w, nil
	}
}
