// Package dlq records deliveries the destination refused permanently. Such
// deliveries are acknowledged and leave the queue, so this log is the only
// place they can be inspected afterwards.
package dlq

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fedqueue/apqb/internal/activity"
)

// RejectedDelivery is one permanent rejection with both sides of the exchange.
type RejectedDelivery struct {
	ID         string                      `json:"id"`
	RecordedAt time.Time                   `json:"recorded_at"`
	ActivityID string                      `json:"activity_id"`
	Status     int                         `json:"status"`
	Submission activity.SubmissionEnvelope `json:"submission"`
	Response   activity.ResponseEnvelope   `json:"response"`
}

// NewRejectedDelivery stamps a record with a fresh id and the current time.
func NewRejectedDelivery(sub activity.SubmissionEnvelope, resp activity.ResponseEnvelope) RejectedDelivery {
	return RejectedDelivery{
		ID:         uuid.NewString(),
		RecordedAt: time.Now().UTC(),
		ActivityID: sub.ActivityID,
		Status:     resp.Status,
		Submission: sub,
		Response:   resp,
	}
}

type Writer interface {
	Write(ctx context.Context, rec RejectedDelivery) error
	Close() error
}

// Reader lists recorded rejections, oldest first.
type Reader interface {
	List(ctx context.Context, limit int) ([]RejectedDelivery, error)
}

// NopWriter discards records.
type NopWriter struct{}

func (NopWriter) Write(context.Context, RejectedDelivery) error { return nil }
func (NopWriter) Close() error                                  { return nil }

const defaultListLimit = 100
