package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fedqueue/apqb/internal/dlq"
)

var (
	rejectedLimit int
	rejectedJSON  bool
)

var rejectedCmd = &cobra.Command{
	Use:   "rejected",
	Short: "Inspect deliveries the destination refused permanently",
}

var rejectedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded rejections, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !cfg.DLQ.Enabled {
			return errors.New("the reject log is disabled (dlq.enabled=false)")
		}
		store, err := openRejectStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		return listRejected(cmd.Context(), cmd.OutOrStdout(), store, rejectedLimit, rejectedJSON)
	},
}

func init() {
	rejectedListCmd.Flags().IntVar(&rejectedLimit, "limit", 50, "maximum number of records")
	rejectedListCmd.Flags().BoolVar(&rejectedJSON, "json", false, "print full records as JSON")
	rejectedCmd.AddCommand(rejectedListCmd)
	rootCmd.AddCommand(rejectedCmd)
}

func listRejected(ctx context.Context, w io.Writer, r dlq.Reader, limit int, asJSON bool) error {
	records, err := r.List(ctx, limit)
	if err != nil {
		return fmt.Errorf("list rejections: %w", err)
	}
	if asJSON {
		return printJSON(w, records)
	}
	if len(records) == 0 {
		printInfo(w, "No rejected deliveries")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tSTATUS\tDESTINATION\tACTIVITY")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%d\t%s%s\t%s\n",
			rec.RecordedAt.Format(time.RFC3339),
			rec.Status,
			rec.Submission.DestinationHost(),
			rec.Submission.Path,
			rec.ActivityID)
	}
	return tw.Flush()
}
