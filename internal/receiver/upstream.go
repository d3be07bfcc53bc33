package receiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fedqueue/apqb/internal/activity"
	"github.com/fedqueue/apqb/internal/metrics"
)

// Submitter replays one delivery and reports the outcome. It never fails: a
// delivery that could not be attempted is reported with a synthesized status.
type Submitter interface {
	Submit(ctx context.Context, env activity.SubmissionEnvelope) activity.ResponseEnvelope
}

const defaultMaxResponseBytes = 1 << 20

// UpstreamSubmitter posts deliveries to the server they were addressed to.
type UpstreamSubmitter struct {
	protocol         string
	domain           string
	maxResponseBytes int64
	client           *http.Client
	now              func() time.Time
}

// NewUpstreamSubmitter targets protocol://host/path where host is domain when
// set and the recorded destination host otherwise. The client must not follow
// redirects; NewUpstreamClient builds one.
func NewUpstreamSubmitter(protocol, domain string, maxResponseBytes int64, client *http.Client) *UpstreamSubmitter {
	if protocol == "" {
		protocol = "https"
	}
	if maxResponseBytes <= 0 {
		maxResponseBytes = defaultMaxResponseBytes
	}
	if client == nil {
		client = NewUpstreamClient(0)
	}
	return &UpstreamSubmitter{
		protocol:         protocol,
		domain:           domain,
		maxResponseBytes: maxResponseBytes,
		client:           client,
		now:              time.Now,
	}
}

// NewUpstreamClient returns a client that reports redirects instead of
// following them.
func NewUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Target is the URL a delivery is replayed to.
func (u *UpstreamSubmitter) Target(env activity.SubmissionEnvelope) string {
	host := u.domain
	if host == "" {
		host = env.DestinationHost()
	}
	return (&url.URL{Scheme: u.protocol, Host: host, Path: env.Path}).String()
}

func (u *UpstreamSubmitter) Submit(ctx context.Context, env activity.SubmissionEnvelope) activity.ResponseEnvelope {
	start := time.Now()
	resp, err := u.do(ctx, env)
	metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		status := http.StatusBadGateway
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		resp = activity.ResponseEnvelope{
			RespondedAt: u.now().UTC(),
			ActivityID:  env.ActivityID,
			Status:      status,
			Headers:     activity.HeaderList{},
		}
		msg := err.Error()
		ct := "text/plain"
		resp.Body, resp.ContentType = &msg, &ct
	}
	metrics.UpstreamTotal.WithLabelValues(metrics.StatusClass(resp.Status)).Inc()
	return resp
}

func (u *UpstreamSubmitter) do(ctx context.Context, env activity.SubmissionEnvelope) (activity.ResponseEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Target(env), bytes.NewReader(env.Body))
	if err != nil {
		return activity.ResponseEnvelope{}, fmt.Errorf("build upstream request: %w", err)
	}
	env.Headers.Apply(req)
	// Leave compression to the transport so the body is decoded.
	req.Header.Del("Accept-Encoding")

	resp, err := u.client.Do(req)
	if err != nil {
		return activity.ResponseEnvelope{}, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, u.maxResponseBytes))
	if err != nil {
		return activity.ResponseEnvelope{}, fmt.Errorf("read upstream response: %w", err)
	}

	out := activity.ResponseEnvelope{
		RespondedAt: u.now().UTC(),
		ActivityID:  env.ActivityID,
		Status:      resp.StatusCode,
		Headers:     activity.FromHTTP(resp.Header, ""),
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		out.ContentType = &ct
	}
	if len(data) > 0 {
		body := string(data)
		out.Body = &body
	}
	return out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
