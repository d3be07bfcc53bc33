// Package receiver is the batch endpoint: it replays each delivery of a batch
// to its destination in order and answers with the per-item outcomes.
package receiver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fedqueue/apqb/common/httputil"
	"github.com/fedqueue/apqb/common/logging"
	"github.com/fedqueue/apqb/internal/activity"
	"github.com/fedqueue/apqb/internal/dlq"
	"github.com/fedqueue/apqb/internal/metrics"
)

// Endpoint handles POSTed batches. Processing stops after the first outcome
// that is not tolerable, so the response list may be shorter than the batch.
type Endpoint struct {
	submitter Submitter
	rejects   dlq.Writer
	logger    *logging.Logger
	now       func() time.Time
}

func NewEndpoint(submitter Submitter, rejects dlq.Writer, logger *logging.Logger) *Endpoint {
	if rejects == nil {
		rejects = dlq.NopWriter{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Endpoint{submitter: submitter, rejects: rejects, logger: logger, now: time.Now}
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := e.logger.WithContext(ctx)

	var batch []activity.SubmissionEnvelope
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "Batch too large")
			return
		}
		log.Warn("malformed batch", logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, "Malformed batch")
		return
	}
	metrics.BatchesReceived.Inc()

	responses := make([]activity.ResponseEnvelope, 0, len(batch))
	for _, env := range batch {
		delay := env.DeliveryDelay(e.now())
		metrics.DeliveryDelay.Observe(delay.Seconds())
		log.Info("submitting activity", logging.ActivityID(env.ActivityID), logging.Delay(delay))

		resp := e.submitter.Submit(ctx, env)
		responses = append(responses, resp)

		switch {
		case activity.IsPermanentRejection(resp.Status):
			e.recordRejection(r, env, resp)
		case activity.IsTolerableStatus(resp.Status):
			log.Info("activity submitted", logging.ActivityID(env.ActivityID), logging.Status(resp.Status))
		default:
			log.Warn("activity not accepted, stopping batch",
				logging.ActivityID(env.ActivityID), logging.Status(resp.Status),
				"processed", len(responses), logging.BatchSize(len(batch)))
		}

		if !activity.IsTolerableStatus(resp.Status) {
			break
		}
	}

	httputil.WriteJSON(w, http.StatusOK, responses)
}

// recordRejection logs both sides of a permanent rejection and stores them in
// the reject log. A failed write is logged and does not affect the batch.
func (e *Endpoint) recordRejection(r *http.Request, env activity.SubmissionEnvelope, resp activity.ResponseEnvelope) {
	log := e.logger.WithContext(r.Context())
	reqDump, _ := json.Marshal(env)
	respDump, _ := json.Marshal(resp)
	log.Warn("activity permanently rejected",
		logging.ActivityID(env.ActivityID), logging.Status(resp.Status),
		"request", string(reqDump), "response", string(respDump))

	if err := e.rejects.Write(r.Context(), dlq.NewRejectedDelivery(env, resp)); err != nil {
		metrics.RejectedTotal.WithLabelValues("error").Inc()
		log.Error("failed to record rejected activity", logging.ActivityID(env.ActivityID), logging.Error(err))
		return
	}
	metrics.RejectedTotal.WithLabelValues("recorded").Inc()
}
