package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WebhooksReceived counts inbound webhook deliveries by outcome
// (accepted/rejected/ignored).
var WebhooksReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "opencommerce_webhooks_received_total",
		Help: "Total number of inbound webhook deliveries by outcome",
	},
	[]string{"outcome"},
)

// TransitionsApplied counts order status transitions by target status.
var TransitionsApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "opencommerce_order_transitions_total",
		Help: "Total number of order status transitions applied by reconciliation",
	},
	[]string{"to_status"},
)

// OrdersArchived counts orders retired from active polling.
var OrdersArchived = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "opencommerce_orders_archived_total",
		Help: "Total number of orders archived after terminal resolution",
	},
)

// RemoteFetchFailures counts failed outbound charge-status fetches.
var RemoteFetchFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "opencommerce_remote_fetch_failures_total",
		Help: "Total number of failed charge status fetches during polling",
	},
)

// PollBatchDuration records how long one reconciliation poll batch takes.
var PollBatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "opencommerce_poll_batch_duration_seconds",
		Help:    "Duration in seconds of one reconciliation poll batch",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(
		WebhooksReceived,
		TransitionsApplied,
		OrdersArchived,
		RemoteFetchFailures,
		PollBatchDuration,
	)
}
