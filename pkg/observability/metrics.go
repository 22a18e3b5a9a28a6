package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ledger metrics.
var (
	CreditsDeductedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_credits_deducted_total",
		Help: "Total credits deducted across all users",
	})
	CreditsAddedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_credits_added_total",
		Help: "Total credits added, by transaction kind",
	}, []string{"kind"})
	InsufficientCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_insufficient_credits_total",
		Help: "Deductions rejected for insufficient balance",
	})
)

// Balance cache metrics.
var (
	BalanceCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_balance_cache_hits_total",
		Help: "Balance reads served from cache",
	})
	BalanceCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_balance_cache_misses_total",
		Help: "Balance reads that fell through to the store",
	})
	BalanceCacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_balance_cache_errors_total",
		Help: "Cache operations that failed open",
	})
)

// Webhook / reconciler metrics.
var (
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_webhook_events_total",
		Help: "Billing webhook events processed, by type and outcome",
	}, []string{"type", "outcome"})
	SubscriptionSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_subscription_sweeps_total",
		Help: "Subscriptions transitioned to canceled by the period sweeper",
	})
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_http_requests_total",
		Help: "Total HTTP requests, by method, route and status",
	}, []string{"method", "route", "status"})
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tally_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler exposes the default Prometheus registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
