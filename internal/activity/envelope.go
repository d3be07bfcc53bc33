// Package activity defines the records that carry one federated delivery
// through the queue and the batch protocol, and the rules for judging an
// upstream outcome.
package activity

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SubmissionEnvelope is one captured inbound delivery. It is immutable once
// enqueued and maps one-to-one onto a queue message. The JSON field names are
// the wire format shared with the batch endpoint.
type SubmissionEnvelope struct {
	ReceivedAt time.Time  `json:"time"`
	ActivityID string     `json:"activity_id"`
	Host       string     `json:"host"`
	Path       string     `json:"path"`
	Headers    HeaderList `json:"headers"`
	Body       []byte     `json:"b64_body"`
}

// ResponseEnvelope is the outcome of replaying one SubmissionEnvelope upstream.
// It only ever exists inside a single batch request/response cycle.
type ResponseEnvelope struct {
	RespondedAt time.Time  `json:"time"`
	ActivityID  string     `json:"activity_id"`
	Status      int        `json:"status"`
	Headers     HeaderList `json:"headers"`
	ContentType *string    `json:"content_type"`
	Body        *string    `json:"body"`
}

// NewSubmission captures r and its already-read body. The receipt time is
// recorded in UTC.
func NewSubmission(r *http.Request, activityID string, body []byte, now time.Time) SubmissionEnvelope {
	return SubmissionEnvelope{
		ReceivedAt: now.UTC(),
		ActivityID: activityID,
		Host:       r.Host,
		Path:       r.URL.Path,
		Headers:    FromHTTP(r.Header, r.Host),
		Body:       body,
	}
}

// DestinationHost is the host the delivery was originally addressed to: the
// replayed Host header when present, else the recorded host.
func (s SubmissionEnvelope) DestinationHost() string {
	if host, ok := s.Headers.Get("Host"); ok && host != "" {
		return host
	}
	return s.Host
}

// Marshal encodes s as a queue message body.
func (s SubmissionEnvelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal submission %q: %w", s.ActivityID, err)
	}
	return data, nil
}

// UnmarshalSubmission decodes a queue message body.
func UnmarshalSubmission(data []byte) (SubmissionEnvelope, error) {
	var s SubmissionEnvelope
	if err := json.Unmarshal(data, &s); err != nil {
		return SubmissionEnvelope{}, fmt.Errorf("unmarshal submission: %w", err)
	}
	return s, nil
}

// DeliveryDelay is how long the submission waited between receipt and now.
func (s SubmissionEnvelope) DeliveryDelay(now time.Time) time.Duration {
	return now.Sub(s.ReceivedAt)
}
