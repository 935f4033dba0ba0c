package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhookEvents     *prometheus.CounterVec
	WebhookLag        prometheus.Histogram
	OrdersCalculated  *prometheus.CounterVec
	RollupCommits     *prometheus.CounterVec
	RollupConflicts   prometheus.Counter
	CostResolutions   *prometheus.CounterVec
	FeeResolutions    *prometheus.CounterVec
	BackfillDays      *prometheus.CounterVec
	APIRequests       *prometheus.CounterVec
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total inbound webhook events by topic and outcome.",
			}, []string{"topic", "outcome"}),
			WebhookLag: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_processing_lag_seconds",
				Help:      "Delay between webhook receipt and completed processing.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			}),
			OrdersCalculated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_calculated_total",
				Help:      "Profit breakdown calculations by trigger.",
			}, []string{"trigger"}),
			RollupCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_commits_total",
				Help:      "Daily rollup commits by status.",
			}, []string{"status"}),
			RollupConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_version_conflicts_total",
				Help:      "Optimistic version conflicts retried during rollup commits.",
			}),
			CostResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_resolutions_total",
				Help:      "Unit cost resolutions by source.",
			}, []string{"source"}),
			FeeResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fee_resolutions_total",
				Help:      "Transaction fee resolutions, actual versus estimated.",
			}, []string{"mode"}),
			BackfillDays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backfill_days_total",
				Help:      "Backfill day batches by status.",
			}, []string{"status"}),
			APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Outbound Shopify Admin API requests by outcome.",
			}, []string{"outcome"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WebhookEvents,
			metricsInstance.WebhookLag,
			metricsInstance.OrdersCalculated,
			metricsInstance.RollupCommits,
			metricsInstance.RollupConflicts,
			metricsInstance.CostResolutions,
			metricsInstance.FeeResolutions,
			metricsInstance.BackfillDays,
			metricsInstance.APIRequests,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
