package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/fedqueue/apqb/common/logging"
	"github.com/fedqueue/apqb/internal/activity"
	"github.com/fedqueue/apqb/internal/metrics"
)

var (
	// ErrRequeueAndHalt means part of a batch was returned to the queue. The
	// sender must stop so the requeued deliveries are retried from a clean
	// start.
	ErrRequeueAndHalt = errors.New("batch partially requeued, halting")

	// ErrTransport means the batch endpoint could not be reached or did not
	// answer with a usable response list. The whole batch was requeued.
	ErrTransport = errors.New("batch transport failure")
)

// Submitter delivers one batch and returns the per-item outcomes in order.
type Submitter interface {
	Submit(ctx context.Context, batch []activity.SubmissionEnvelope) ([]activity.ResponseEnvelope, error)
}

// Cut point reasons.
const (
	ReasonNone         = ""
	ReasonExhausted    = "response list exhausted"
	ReasonIDMismatch   = "activity id mismatch"
	ReasonNotTolerable = "status not tolerable"
	ReasonUndecodable  = "undecodable queue message"
)

const (
	outcomeComplete     = "complete"
	outcomeRequeued     = "requeue_and_halt"
	outcomeTransport    = "transport_error"
	outcomeEmptyCycle   = "empty"
	outcomeSettleFailed = "settle_error"
)

// Coordinator runs batch cycles: assemble, submit, reconcile.
type Coordinator struct {
	assembler *Assembler
	client    Submitter
	logger    *logging.Logger
}

func NewCoordinator(assembler *Assembler, client Submitter, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{assembler: assembler, client: client, logger: logger}
}

// Run executes cycles until one fails or ctx ends. It never returns nil.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		if err := c.RunCycle(ctx); err != nil {
			return err
		}
	}
}

// RunCycle assembles one batch, submits it and settles every delivery. It
// returns ErrRequeueAndHalt when a suffix of the batch went back to the queue
// and an error wrapping ErrTransport when the batch call itself failed.
func (c *Coordinator) RunCycle(ctx context.Context) error {
	deliveries, err := c.assembler.Collect(ctx)
	if err != nil {
		return fmt.Errorf("assemble batch: %w", err)
	}
	if len(deliveries) == 0 {
		c.logger.Warn("assembled an empty batch")
		metrics.BatchesTotal.WithLabelValues(outcomeEmptyCycle).Inc()
		return nil
	}
	metrics.BatchSize.Observe(float64(len(deliveries)))

	requests, decodeCut := decodeDeliveries(deliveries)
	if decodeCut < len(deliveries) {
		c.logger.Error("queue message is not a submission envelope",
			logging.Index(decodeCut), logging.BatchSize(len(deliveries)))
	}

	var responses []activity.ResponseEnvelope
	if len(requests) > 0 {
		start := time.Now()
		responses, err = c.client.Submit(ctx, requests)
		metrics.SubmitDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.BatchesTotal.WithLabelValues(outcomeTransport).Inc()
			if nackErr := requeueAll(deliveries); nackErr != nil {
				c.logger.Error("failed to requeue batch", logging.Error(nackErr))
			} else {
				metrics.DeliveriesRequeued.Add(float64(len(deliveries)))
			}
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}

	if len(responses) > len(requests) {
		c.logger.Warn("batch endpoint returned more responses than requests",
			logging.BatchSize(len(requests)), "responses", len(responses))
		responses = responses[:len(requests)]
	}

	cut, reason := Reconcile(requests, responses)
	if cut == len(requests) && decodeCut < len(deliveries) {
		cut, reason = decodeCut, ReasonUndecodable
	}

	if err := ackPrefix(deliveries[:cut]); err != nil {
		metrics.BatchesTotal.WithLabelValues(outcomeSettleFailed).Inc()
		return fmt.Errorf("acknowledge deliveries: %w", err)
	}
	metrics.DeliveriesAcked.Add(float64(cut))

	if cut == len(deliveries) {
		metrics.BatchesTotal.WithLabelValues(outcomeComplete).Inc()
		c.logger.Debug("batch complete", logging.BatchSize(len(deliveries)))
		return nil
	}

	attrs := []any{logging.Index(cut), logging.BatchSize(len(deliveries)), "reason", reason}
	if cut < len(requests) {
		attrs = append(attrs, logging.ActivityID(requests[cut].ActivityID))
	}
	if cut < len(responses) {
		attrs = append(attrs, logging.Status(responses[cut].Status))
	}
	c.logger.Warn("requeueing batch suffix and halting", attrs...)

	// [0,cut) are acknowledged, so a multiple nack on the last delivery
	// covers exactly the suffix.
	if err := deliveries[len(deliveries)-1].Nack(true, true); err != nil {
		metrics.BatchesTotal.WithLabelValues(outcomeSettleFailed).Inc()
		return fmt.Errorf("requeue deliveries from index %d: %w", cut, err)
	}
	metrics.DeliveriesRequeued.Add(float64(len(deliveries) - cut))
	metrics.BatchesTotal.WithLabelValues(outcomeRequeued).Inc()
	return ErrRequeueAndHalt
}

// Reconcile finds the cut point: the first index whose outcome is missing,
// belongs to a different activity or is not tolerable. It returns
// len(requests) when every item succeeded.
func Reconcile(requests []activity.SubmissionEnvelope, responses []activity.ResponseEnvelope) (int, string) {
	for i, req := range requests {
		if i >= len(responses) {
			return i, ReasonExhausted
		}
		resp := responses[i]
		if resp.ActivityID != req.ActivityID {
			return i, ReasonIDMismatch
		}
		if !activity.IsTolerableStatus(resp.Status) {
			return i, ReasonNotTolerable
		}
	}
	return len(requests), ReasonNone
}

// decodeDeliveries decodes bodies in order and stops at the first one that is
// not a submission envelope. The second result is that index, or len(ds).
func decodeDeliveries(ds []amqp091.Delivery) ([]activity.SubmissionEnvelope, int) {
	out := make([]activity.SubmissionEnvelope, 0, len(ds))
	for i, d := range ds {
		env, err := activity.UnmarshalSubmission(d.Body)
		if err != nil {
			return out, i
		}
		out = append(out, env)
	}
	return out, len(ds)
}

// ackPrefix acknowledges every delivery concurrently and waits for all of them.
func ackPrefix(ds []amqp091.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	errs := make([]error, len(ds))
	var wg sync.WaitGroup
	for i := range ds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ds[i].Ack(false)
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func requeueAll(ds []amqp091.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	return ds[len(ds)-1].Nack(true, true)
}
