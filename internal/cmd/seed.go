package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/fedqueue/apqb/internal/activity"
)

var (
	seedURL      string
	seedCount    int
	seedSeed     int64
	seedInterval time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Post generated activities to an inbox",
	Long: `Generates Create/Note activities with random actors and posts them to an
inbox, for exercising a deployment end to end.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s := &seeder{
			client:   &http.Client{Timeout: 10 * time.Second},
			url:      seedURL,
			faker:    gofakeit.New(seedSeed),
			interval: seedInterval,
			out:      cmd.OutOrStdout(),
		}
		res, err := s.run(cmd.Context(), seedCount)
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d of %d deliveries were refused", res.Failed, res.Sent)
		}
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedURL, "url", "http://localhost:8080/inbox", "inbox URL")
	seedCmd.Flags().IntVarP(&seedCount, "count", "n", 10, "number of activities")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (0 picks one)")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 0, "pause between deliveries")
	rootCmd.AddCommand(seedCmd)
}

type seedResult struct {
	Sent     int
	Accepted int
	Failed   int
}

type seeder struct {
	client   *http.Client
	url      string
	faker    *gofakeit.Faker
	interval time.Duration
	out      io.Writer
}

func (s *seeder) run(ctx context.Context, count int) (seedResult, error) {
	var res seedResult
	for i := 0; i < count; i++ {
		if i > 0 && s.interval > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(s.interval):
			}
		}

		doc := s.activity()
		status, err := s.post(ctx, doc)
		res.Sent++
		if err != nil {
			return res, err
		}
		if status >= 200 && status < 300 {
			res.Accepted++
			printSuccess(s.out, "%d %s", status, doc["id"])
		} else {
			res.Failed++
			printError(s.out, "%d %s", status, doc["id"])
		}
	}
	printInfo(s.out, "Sent %d, accepted %d, refused %d", res.Sent, res.Accepted, res.Failed)
	return res, nil
}

func (s *seeder) post(ctx context.Context, doc map[string]any) (int, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode activity: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", activity.ContentTypeActivityJSON)
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post to %s: %w", s.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// activity returns a Create wrapping a public Note by a random actor.
func (s *seeder) activity() map[string]any {
	actor := fmt.Sprintf("https://%s/users/%s", s.faker.DomainName(), s.faker.Username())
	noteID := fmt.Sprintf("%s/statuses/%d", actor, s.faker.Uint32())
	published := time.Now().UTC().Format(time.RFC3339)
	return map[string]any{
		"@context":  "https://www.w3.org/ns/activitystreams",
		"id":        noteID + "/activity",
		"type":      "Create",
		"actor":     actor,
		"published": published,
		"to":        []string{"https://www.w3.org/ns/activitystreams#Public"},
		"object": map[string]any{
			"id":           noteID,
			"type":         "Note",
			"attributedTo": actor,
			"content":      "<p>" + s.faker.Sentence(12) + "</p>",
			"published":    published,
		},
	}
}
