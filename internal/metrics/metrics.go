// Package metrics holds the Prometheus collectors shared by all roles.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Inbox metrics
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apqb_inbox_admissions_total",
			Help: "Inbox requests by outcome",
		},
		[]string{"outcome"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apqb_queue_depth",
			Help: "Ready messages last observed on the queue",
		},
	)

	QueueLimit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apqb_queue_limit",
			Help: "Queue depth at which the inbox refuses deliveries",
		},
	)

	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apqb_inbox_publish_duration_seconds",
			Help:    "Duration of queue publishes including broker confirm",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sender metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apqb_sender_batches_total",
			Help: "Batch cycles by outcome",
		},
		[]string{"outcome"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apqb_sender_batch_size",
			Help:    "Number of deliveries per submitted batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	DeliveriesAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apqb_sender_deliveries_acked_total",
			Help: "Deliveries acknowledged after a tolerable response",
		},
	)

	DeliveriesRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apqb_sender_deliveries_requeued_total",
			Help: "Deliveries returned to the queue",
		},
	)

	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apqb_sender_submit_duration_seconds",
			Help:    "Duration of batch submissions to the receiver",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Receiver metrics
	BatchesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apqb_receiver_batches_total",
			Help: "Batches accepted by the receiver",
		},
	)

	UpstreamTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apqb_receiver_upstream_total",
			Help: "Upstream submissions by status class",
		},
		[]string{"class"},
	)

	UpstreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apqb_receiver_upstream_duration_seconds",
			Help:    "Duration of upstream submissions",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeliveryDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apqb_receiver_delivery_delay_seconds",
			Help:    "Time from inbox admission to upstream submission",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
	)

	RejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apqb_receiver_rejected_total",
			Help: "Permanent rejections recorded, by reject log result",
		},
		[]string{"result"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apqb_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"key"},
	)
)

// StatusClass buckets an HTTP status as "2xx", "4xx" and so on.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
