package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fedqueue/apqb/internal/activity"
)

// Client submits batches to the batch endpoint over HTTP.
type Client struct {
	url           string
	userAgent     string
	authorization string
	httpClient    *http.Client
}

// NewClient builds a client for url. A zero timeout leaves the round trip
// unbounded; authorization is sent verbatim when non-empty.
func NewClient(url, userAgent, authorization string, timeout time.Duration) *Client {
	return &Client{
		url:           url,
		userAgent:     userAgent,
		authorization: authorization,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Submit posts the batch and decodes the response list. Only 2xx answers are
// accepted.
func (c *Client) Submit(ctx context.Context, batch []activity.SubmissionEnvelope) ([]activity.ResponseEnvelope, error) {
	if c == nil {
		return nil, fmt.Errorf("batch client not configured")
	}

	bodyBytes, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		request.Header.Set("User-Agent", c.userAgent)
	}
	if c.authorization != "" {
		request.Header.Set("Authorization", c.authorization)
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("batch endpoint status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var result []activity.ResponseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return result, nil
}
