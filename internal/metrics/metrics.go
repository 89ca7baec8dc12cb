package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns every counter the service emits. It is constructed once
// against a registry and handed to each component, so nothing reaches for
// process-wide mutable state.
type Collector struct {
	AccountsCreated    prometheus.Counter
	TransactionsPosted *prometheus.CounterVec
	PostFailures       *prometheus.CounterVec

	DeliveryAttempts *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		AccountsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_accounts_created_total",
			Help: "Total accounts created",
		}),
		TransactionsPosted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transactions_posted_total",
			Help: "Total transactions posted, labeled by type",
		}, []string{"type"}),
		PostFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_post_failures_total",
			Help: "Total rejected postings, labeled by reason",
		}, []string{"reason"}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_webhook_delivery_attempts_total",
			Help: "Total webhook delivery attempts, labeled by outcome",
		}, []string{"outcome"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_webhook_delivery_duration_seconds",
			Help:    "Latency distribution of webhook delivery attempts",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "Total HTTP requests processed, labeled by status code",
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "Latency distribution of HTTP requests",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "endpoint"}),
	}
}
