package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "credits_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ConsumptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_consumptions_total",
			Help: "Consumption attempts by tool and outcome.",
		},
		[]string{"tool", "result"},
	)

	CreditsDebitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_debited_total",
			Help: "Credits debited from accounts by tool.",
		},
		[]string{"tool"},
	)

	CreditsGrantedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_granted_total",
			Help: "Credits added to accounts through grants.",
		},
	)

	CommitRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_commit_retries_total",
			Help: "Ledger commits retried after a write conflict.",
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credits_commit_duration_seconds",
			Help:    "Time spent committing a consumption, retries included.",
			Buckets: prometheus.DefBuckets,
		},
	)

	CatalogReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_catalog_reloads_total",
			Help: "Catalog file reloads by status.",
		},
		[]string{"status"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_events_published_total",
			Help: "Events published to NATS by subject kind and status.",
		},
		[]string{"kind", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ConsumptionsTotal,
		CreditsDebitedTotal,
		CreditsGrantedTotal,
		CommitRetriesTotal,
		CommitDuration,
		CatalogReloadsTotal,
		EventsPublishedTotal,
	)
}
