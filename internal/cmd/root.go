// Package cmd is the apqb command line: one binary with a subcommand per role.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fedqueue/apqb/common/logging"
	"github.com/fedqueue/apqb/internal/config"
)

const version = "0.3.0"

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "apqb",
	Short: "ActivityPub federation queue batcher",
	Long: `apqb moves outbound ActivityPub deliveries between data centers in batches.

The inbox accepts deliveries and queues them, the sender drains the queue
into batches, and the receiver replays each batch item against the real
destination inbox and reports the outcomes back.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/apqb/config.yaml)")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = c
	logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	return nil
}

func listenAddr() string {
	return fmt.Sprintf(":%d", cfg.Server.Port)
}
