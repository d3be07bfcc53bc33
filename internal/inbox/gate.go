// Package inbox admits federated deliveries into the durable queue. It is the
// only place a delivery can be refused before it has been queued.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fedqueue/apqb/common/httputil"
	"github.com/fedqueue/apqb/common/logging"
	"github.com/fedqueue/apqb/common/middleware"
	"github.com/fedqueue/apqb/internal/activity"
	"github.com/fedqueue/apqb/internal/config"
	"github.com/fedqueue/apqb/internal/metrics"
	"github.com/fedqueue/apqb/internal/queue"
	"github.com/fedqueue/apqb/internal/ratelimit"
)

const (
	defaultPublishTimeout = 5 * time.Second

	msgInvalidContentType = "Invalid content-type header"
	msgNotJSON            = "Body is not JSON"
	msgMissingID          = "Missing activity id in JSON body"
	msgTooLarge           = "Body too large"
	msgQueueFull          = "Queue is full"
	msgRateLimited        = "Too many requests"
)

// Gate is the inbox handler. Every admitted request produces exactly one
// persistent queue message and a 204.
type Gate struct {
	cfg     config.InboxConfig
	queue   queue.Producer
	limiter ratelimit.RateLimiter
	logger  *logging.Logger
	now     func() time.Time
}

func NewGate(cfg config.InboxConfig, q queue.Producer, limiter ratelimit.RateLimiter, logger *logging.Logger) *Gate {
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	metrics.QueueLimit.Set(float64(cfg.QueueLimit))
	return &Gate{cfg: cfg, queue: q, limiter: limiter, logger: logger, now: time.Now}
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := g.logger.WithContext(ctx)

	if g.cfg.RateLimitEnabled {
		key := clientKey(r)
		allowed, err := g.limiter.Allow(ctx, key)
		if err != nil {
			log.Warn("rate limit check failed, allowing request", logging.Error(err))
		} else if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(g.cfg.RateLimitWindow)))
			g.refuse(w, "rate_limited", http.StatusTooManyRequests, msgRateLimited)
			return
		}
	}

	depth, err := g.queue.Depth(ctx)
	if err != nil {
		log.Error("failed to read queue depth", logging.Error(err))
		g.refuse(w, "depth_error", http.StatusInternalServerError, "Internal server error")
		return
	}
	metrics.QueueDepth.Set(float64(depth))
	if depth >= g.cfg.QueueLimit {
		log.Info("queue limit reached, deferring delivery", logging.QueueDepth(depth), "limit", g.cfg.QueueLimit)
		g.refuse(w, "queue_full", http.StatusServiceUnavailable, msgQueueFull)
		return
	}

	if !activity.IsAcceptedContentType(r.Header.Get("Content-Type")) {
		log.Info("invalid content-type header", "content_type", r.Header.Get("Content-Type"))
		g.refuse(w, "invalid_content_type", http.StatusUnsupportedMediaType, msgInvalidContentType)
		return
	}

	body, err := g.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.refuse(w, "too_large", http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		log.Warn("failed to read request body", logging.Error(err))
		g.refuse(w, "read_error", http.StatusBadRequest, "Failed to read body")
		return
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		log.Info("received invalid JSON body")
		g.refuse(w, "invalid_json", http.StatusUnsupportedMediaType, msgNotJSON)
		return
	}

	activityID, ok := stringField(doc, "id")
	if !ok {
		if g.cfg.RequireActivityID {
			log.Warn("missing activity id in JSON body")
			g.refuse(w, "missing_id", http.StatusServiceUnavailable, msgMissingID)
			return
		}
		log.Warn("missing activity id in JSON body, queueing without one")
	}

	env := activity.NewSubmission(r, activityID, body, g.now())
	data, err := env.Marshal()
	if err != nil {
		log.Error("failed to encode submission", logging.Error(err))
		g.refuse(w, "encode_error", http.StatusInternalServerError, "Internal server error")
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, g.cfg.PublishTimeout)
	defer cancel()
	start := time.Now()
	err = g.queue.Publish(pubCtx, data)
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("failed to queue activity", logging.ActivityID(activityID), logging.Error(err))
		g.refuse(w, "publish_error", http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Info("queued activity", logging.ActivityID(activityID), logging.Path(r.URL.Path))
	metrics.AdmissionsTotal.WithLabelValues("queued").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gate) refuse(w http.ResponseWriter, outcome string, status int, message string) {
	metrics.AdmissionsTotal.WithLabelValues(outcome).Inc()
	httputil.WriteError(w, status, message)
}

func (g *Gate) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := r.Body
	if g.cfg.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// stringField returns doc[key] when it is present and a JSON string.
func stringField(doc map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := doc[key]
	if !ok || len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	if ip := middleware.GetClientIP(r.Context()); ip.IsValid() {
		return ip.String()
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func retryAfterSeconds(window time.Duration) int {
	if s := int(window.Seconds()); s > 0 {
		return s
	}
	return 1
}
