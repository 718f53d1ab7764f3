package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	registry := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(registry)

	// Record some values so vectors appear in Gather()
	RecordNotification("accepted")
	RecordReconciliation("webhook", "success", 150*time.Millisecond)
	RecordMutations(1, 2, 0)
	RecordRenewal("renewed")
	RecordProviderRequest("list_rows", 200)
	RecordQueueOutcome("push", "sent", 20*time.Millisecond)
	RecordRetry("send_failed")
	RecordDLQ("max_retries")
	RecordFileConflict()
	UpdateWorkerBacklog(5)
	UpdateQueueBacklog(2)
	UpdateNSQTopicDepth("notifications", "reconcilers", 3)

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"palletsync_notifications_received_total",
		"palletsync_reconciliations_total",
		"palletsync_reconcile_duration_seconds",
		"palletsync_task_mutations_total",
		"palletsync_subscription_renewals_total",
		"palletsync_provider_requests_total",
		"palletsync_queue_items_total",
		"palletsync_queue_send_latency_seconds",
		"palletsync_retries_total",
		"palletsync_dlq_total",
		"palletsync_file_conflicts_total",
		"palletsync_worker_backlog",
		"palletsync_queue_backlog",
		"palletsync_nsq_topic_depth",
	}

	registered := make(map[string]bool)
	for _, mf := range metricFamilies {
		registered[mf.GetName()] = true
		if !strings.HasPrefix(mf.GetName(), "palletsync_") {
			t.Errorf("Metric name %s does not have expected prefix 'palletsync_'", mf.GetName())
		}
	}
	for _, expected := range expectedMetrics {
		if !registered[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordNotification(t *testing.T) {
	NotificationsReceivedTotal.Reset()

	tests := []struct {
		name   string
		result string
		calls  int
	}{
		{name: "accepted", result: "accepted", calls: 3},
		{name: "client state mismatch", result: "dropped", calls: 1},
		{name: "schema failure", result: "invalid", calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordNotification(tt.result)
			}
			value := testutil.ToFloat64(NotificationsReceivedTotal.WithLabelValues(tt.result))
			if value != float64(tt.calls) {
				t.Errorf("RecordNotification() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordMutations(t *testing.T) {
	TaskMutationsTotal.Reset()

	RecordMutations(2, 0, 1)
	RecordMutations(1, 4, 0)

	tests := []struct {
		kind string
		want float64
	}{
		{"insert", 3},
		{"update", 4},
		{"delete", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(TaskMutationsTotal.WithLabelValues(tt.kind)); got != tt.want {
			t.Errorf("TaskMutationsTotal{kind=%q} = %f, want %f", tt.kind, got, tt.want)
		}
	}
}

func TestRecordQueueOutcome(t *testing.T) {
	QueueItemsTotal.Reset()
	QueueSendLatency.Reset()

	RecordQueueOutcome("sms", "sent", 300*time.Millisecond)
	RecordQueueOutcome("sms", "retry", 0)
	RecordQueueOutcome("sms", "retry", 0)
	RecordQueueOutcome("email", "failed", 0)

	if got := testutil.ToFloat64(QueueItemsTotal.WithLabelValues("sms", "retry")); got != 2 {
		t.Errorf("sms retry count = %f, want 2", got)
	}
	if got := testutil.ToFloat64(QueueItemsTotal.WithLabelValues("email", "failed")); got != 1 {
		t.Errorf("email failed count = %f, want 1", got)
	}
	if got := testutil.CollectAndCount(QueueSendLatency); got != 1 {
		t.Errorf("latency series = %d, want 1 (only sends are timed)", got)
	}
}

func TestRecordProviderRequest(t *testing.T) {
	ProviderRequestsTotal.Reset()

	RecordProviderRequest("update_row", 429)
	RecordProviderRequest("update_row", 429)
	RecordProviderRequest("update_row", 0)

	if got := testutil.ToFloat64(ProviderRequestsTotal.WithLabelValues("update_row", "429")); got != 2 {
		t.Errorf("429 count = %f, want 2", got)
	}
	if got := testutil.ToFloat64(ProviderRequestsTotal.WithLabelValues("update_row", "0")); got != 1 {
		t.Errorf("transport error count = %f, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	UpdateWorkerBacklog(42)
	if got := testutil.ToFloat64(WorkerBacklog); got != 42 {
		t.Errorf("WorkerBacklog = %f, want 42", got)
	}
	UpdateWorkerBacklog(0)
	if got := testutil.ToFloat64(WorkerBacklog); got != 0 {
		t.Errorf("WorkerBacklog = %f, want 0", got)
	}

	UpdateQueueBacklog(9)
	if got := testutil.ToFloat64(QueueBacklog); got != 9 {
		t.Errorf("QueueBacklog = %f, want 9", got)
	}

	UpdateNSQTopicDepth("queue_dlq", "", 7)
	if got := testutil.ToFloat64(NSQTopicDepth.WithLabelValues("queue_dlq", "")); got != 7 {
		t.Errorf("NSQTopicDepth = %f, want 7", got)
	}
}
