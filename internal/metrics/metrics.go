package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// BusinessMetrics contains checkout-specific metrics
type BusinessMetrics struct {
	HoldsCreated  prometheus.Counter
	HoldsExpired  prometheus.Counter
	HoldsReleased prometheus.Counter

	OrdersCreated   prometheus.Counter
	OrdersPaid      prometheus.Counter
	OrdersFailed    prometheus.Counter
	OrdersCancelled prometheus.Counter

	WebhooksProcessed    prometheus.Counter
	WebhooksDeduplicated prometheus.Counter
	WebhooksDeferred     prometheus.Counter
	WebhooksParked       prometheus.Counter

	SweepDuration prometheus.Histogram
}

// NewHTTPMetrics creates HTTP metrics for a service
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewBusinessMetrics creates checkout-specific metrics
func NewBusinessMetrics(serviceName string) *BusinessMetrics {
	counter := func(name, help string) prometheus.Counter {
		return promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_" + name,
			Help: help,
		})
	}

	return &BusinessMetrics{
		HoldsCreated:  counter("holds_created_total", "Total number of stock holds created"),
		HoldsExpired:  counter("holds_expired_total", "Total number of stock holds expired by the sweep"),
		HoldsReleased: counter("holds_released_total", "Total number of stock holds released explicitly"),

		OrdersCreated:   counter("orders_created_total", "Total number of orders created"),
		OrdersPaid:      counter("orders_paid_total", "Total number of orders settled as paid"),
		OrdersFailed:    counter("orders_failed_total", "Total number of orders settled as failed"),
		OrdersCancelled: counter("orders_cancelled_total", "Total number of orders cancelled"),

		WebhooksProcessed:    counter("webhooks_processed_total", "Total number of payment webhooks applied"),
		WebhooksDeduplicated: counter("webhooks_deduplicated_total", "Total number of payment webhooks answered from the idempotency cache"),
		WebhooksDeferred:     counter("webhooks_deferred_total", "Total number of payment webhooks deferred for a missing order"),
		WebhooksParked:       counter("webhooks_parked_total", "Total number of payment webhooks parked in the dead-letter table"),

		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    serviceName + "_sweep_duration_seconds",
			Help:    "Hold sweep cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
