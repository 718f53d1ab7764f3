package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	NotificationsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palletsync_notifications_received_total",
			Help: "Total number of webhook notifications by outcome.",
		},
		[]string{"result"}, // accepted, dropped, invalid, error
	)

	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palletsync_reconciliations_total",
			Help: "Total number of reconciliation passes by result.",
		},
		[]string{"trigger", "result"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "palletsync_reconcile_duration_seconds",
			Help:    "Wall time of a reconciliation pass, fetch included.",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palletsync_task_mutations_total",
			Help: "Total number of canonical task rows changed by reconciliation.",
		},
		[]string{"kind"}, // insert, update, delete
	)

	SubscriptionRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palletsync_subscription_renewals_total",
			Help: "Total number of subscription renewal attempts by result.",
		},
		[]string{"result"}, // renewed, recreated, failed
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palletsync_provider_requests_total",
			Help: "Total number of external table API calls by operation and status code.",
		},
		[]string{"op", "code"},
	)

	QueueItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palletsync_queue_items_total",
			Help: "Total number of delivery queue outcomes by channel and status.",
		},
		[]string{"channel", "status"}, // sent, retry, failed
	)

	QueueSendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "palletsync_queue_send_latency_seconds",
			Help:    "Latency of a single outbound send.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palletsync_retries_total",
			Help: "Total number of retries by reason.",
		},
		[]string{"reason"}, // provider_throttled, provider_5xx, send_failed, file_locked, requeue
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palletsync_dlq_total",
			Help: "Total number of items given up on and dead-lettered.",
		},
		[]string{"reason"},
	)

	FileConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "palletsync_file_conflicts_total",
			Help: "Total number of guarded writes rejected because the file changed underneath.",
		},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "palletsync_worker_backlog",
			Help: "Reconciliation jobs waiting on the worker channel.",
		},
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "palletsync_queue_backlog",
			Help: "Outbound notifications pending or being sent.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "palletsync_nsq_topic_depth",
			Help: "Depth of NSQ topics and channels.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		NotificationsReceivedTotal,
		ReconciliationsTotal,
		ReconcileDuration,
		TaskMutationsTotal,
		SubscriptionRenewalsTotal,
		ProviderRequestsTotal,
		QueueItemsTotal,
		QueueSendLatency,
		RetriesTotal,
		DLQTotal,
		FileConflictsTotal,
		WorkerBacklog,
		QueueBacklog,
		NSQTopicDepth,
	)
}

// RecordNotification counts an inbound notification by outcome
func RecordNotification(result string) {
	NotificationsReceivedTotal.WithLabelValues(result).Inc()
}

// RecordReconciliation records one pass and how long it took
func RecordReconciliation(trigger, result string, d time.Duration) {
	ReconciliationsTotal.WithLabelValues(trigger, result).Inc()
	ReconcileDuration.Observe(d.Seconds())
}

// RecordMutations adds the applied insert, update and delete counts
func RecordMutations(inserted, updated, deleted int) {
	TaskMutationsTotal.WithLabelValues("insert").Add(float64(inserted))
	TaskMutationsTotal.WithLabelValues("update").Add(float64(updated))
	TaskMutationsTotal.WithLabelValues("delete").Add(float64(deleted))
}

func RecordRenewal(result string) {
	SubscriptionRenewalsTotal.WithLabelValues(result).Inc()
}

// RecordProviderRequest counts an upstream call. code 0 means a transport error.
func RecordProviderRequest(op string, code int) {
	ProviderRequestsTotal.WithLabelValues(op, strconv.Itoa(code)).Inc()
}

// RecordQueueOutcome counts a queue item transition and, for sends, its latency
func RecordQueueOutcome(channel, status string, latency time.Duration) {
	QueueItemsTotal.WithLabelValues(channel, status).Inc()
	if latency > 0 {
		QueueSendLatency.WithLabelValues(channel).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordFileConflict() {
	FileConflictsTotal.Inc()
}

func UpdateWorkerBacklog(depth int64) {
	WorkerBacklog.Set(float64(depth))
}

func UpdateQueueBacklog(depth int64) {
	QueueBacklog.Set(float64(depth))
}

func UpdateNSQTopicDepth(topic, channel string, depth int64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(float64(depth))
}
