package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

var queueStatsJSON bool

var queueStatsCmd = &cobra.Command{
	Use:   "queue-stats",
	Short: "Show the queue depth against the inbox limit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		b, err := openBroker(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.Close()
		return printQueueStats(cmd.Context(), cmd.OutOrStdout(), b, cfg.Queue.RoutingKey, cfg.Inbox.QueueLimit, queueStatsJSON)
	},
}

func init() {
	queueStatsCmd.Flags().BoolVar(&queueStatsJSON, "json", false, "print JSON instead of text")
	rootCmd.AddCommand(queueStatsCmd)
}

type queueStats struct {
	Queue string `json:"queue"`
	Depth int    `json:"depth"`
	Limit int    `json:"limit"`
	Full  bool   `json:"full"`
}

func printQueueStats(ctx context.Context, w io.Writer, b broker, name string, limit int, asJSON bool) error {
	depth, err := b.Depth(ctx)
	if err != nil {
		return err
	}
	stats := queueStats{Queue: name, Depth: depth, Limit: limit, Full: depth >= limit}
	if asJSON {
		return printJSON(w, stats)
	}

	switch {
	case stats.Full:
		printError(w, "%s: %d/%d messages, inbox is refusing deliveries", name, depth, limit)
	case depth*2 >= limit:
		printWarn(w, "%s: %d/%d messages", name, depth, limit)
	default:
		printSuccess(w, "%s: %d/%d messages", name, depth, limit)
	}
	return nil
}
