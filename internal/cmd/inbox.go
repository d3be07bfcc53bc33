package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fedqueue/apqb/common/logging"
	"github.com/fedqueue/apqb/internal/inbox"
	"github.com/fedqueue/apqb/internal/ratelimit"
	"github.com/fedqueue/apqb/internal/server"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Accept ActivityPub deliveries and queue them",
	Long: `Runs the admission gate. Deliveries POSTed to any path are checked,
wrapped in a submission envelope and published to the queue. The gate
answers 503 while the queue holds more than inbox.queue_limit messages.`,
	Args: cobra.NoArgs,
	RunE: runInbox,
}

func init() {
	rootCmd.AddCommand(inboxCmd)
}

func runInbox(cmd *cobra.Command, _ []string) error {
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

	if err := server.Run(ctx, srv, cfg.Server.ShutdownTimeout, logger.Logger); err != nil {
		return err
	}
	return brokerLost(ctx)
}

// newInboxServer wires the gate to b. The caller closes the limiter.
func newInboxServer(b broker) (*http.Server, ratelimit.RateLimiter, error) {
	enabled := cfg.Inbox.RateLimitEnabled && cfg.Redis.Enabled
	limiter, err := ratelimit.NewRedisRateLimiter(cfg.Redis.URL, cfg.Inbox.RateLimitRequests, cfg.Inbox.RateLimitWindow, !enabled)
	if err != nil {
		return nil, nil, fmt.Errorf("rate limiter: %w", err)
	}
	if cfg.Inbox.RateLimitEnabled && !cfg.Redis.Enabled {
		logger.Warn("inbox.rate_limit_enabled is set but redis is disabled, not rate limiting")
	}

	gate := inbox.NewGate(cfg.Inbox, b, limiter, logger.With(logging.Service("inbox")))
	handler, err := server.NewInboxRouter(gate, cfg.Inbox, server.ReadinessCheck(depthCheck(b)))
	if err != nil {
		limiter.Close()
		return nil, nil, err
	}
	logger.Info("inbox configured",
		"queue_limit", cfg.Inbox.QueueLimit,
		"require_activity_id", cfg.Inbox.RequireActivityID,
		"rate_limited", enabled)
	return server.New(listenAddr(), handler, cfg.Server), limiter, nil
}

