package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/pallet_sync/internal/config"
	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/ingest"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/metrics"
	"github.com/austindbirch/pallet_sync/internal/reconcile"
)

func TestReadRetryCfg(t *testing.T) {
	tests := []struct {
		name         string
		in           config.Worker
		wantAttempts int
		wantBackoff  int
	}{
		{name: "defaults when unset", in: config.Worker{}, wantAttempts: 4, wantBackoff: 4},
		{
			name:         "configured values win",
			in:           config.Worker{MaxAttempts: 2, BackoffSchedule: []time.Duration{time.Second}, JitterPercent: 0.1},
			wantAttempts: 2,
			wantBackoff:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readRetryCfg(tt.in)
			if got.maxAttempts != tt.wantAttempts {
				t.Errorf("maxAttempts = %d, want %d", got.maxAttempts, tt.wantAttempts)
			}
			if len(got.backoff) != tt.wantBackoff {
				t.Errorf("len(backoff) = %d, want %d", len(got.backoff), tt.wantBackoff)
			}
			if got.jitterPct != tt.in.JitterPercent {
				t.Errorf("jitterPct = %v, want %v", got.jitterPct, tt.in.JitterPercent)
			}
		})
	}
}

func TestComputeDelay(t *testing.T) {
	schedule := []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first attempt", attempt: 1, want: time.Second},
		{name: "within schedule", attempt: 2, want: 4 * time.Second},
		{name: "beyond schedule uses the last step", attempt: 10, want: 16 * time.Second},
		{name: "zero attempt uses the first step", attempt: 0, want: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeDelay(tt.attempt, schedule, 0); got != tt.want {
				t.Errorf("computeDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}

	t.Run("jitter stays in range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			got := computeDelay(2, schedule, 0.25)
			if got < 3*time.Second || got > 5*time.Second {
				t.Fatalf("computeDelay with 25%% jitter = %v, want within [3s, 5s]", got)
			}
		}
	})
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "throttled", err: &domain.ProviderError{Op: "list_rows", StatusCode: 429}, want: "provider_throttled"},
		{name: "provider 5xx", err: fmt.Errorf("fetch: %w", &domain.ProviderError{StatusCode: 503}), want: "provider_5xx"},
		{name: "provider 4xx", err: &domain.ProviderError{StatusCode: 403}, want: "provider_4xx"},
		{name: "provider no status", err: &domain.ProviderError{}, want: "provider"},
		{name: "lock", err: &domain.LockError{Path: "p.xlsx", Attempts: 3}, want: "locked"},
		{name: "deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "timeout text", err: errors.New("i/o timeout"), want: "timeout"},
		{name: "refused", err: errors.New("dial tcp: connection refused"), want: "connection_refused"},
		{name: "other", err: errors.New("boom"), want: "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err); got != tt.want {
				t.Errorf("classifyReason(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

type fakeEngine struct {
	err   error
	calls []string
}

func (f *fakeEngine) HandleNotification(ctx context.Context, id string) (reconcile.Result, error) {
	f.calls = append(f.calls, id)
	return reconcile.Result{Inserted: 1}, f.err
}

func jobBody(t *testing.T, id string) []byte {
	t.Helper()
	b, err := json.Marshal(ingest.Job{NotificationID: id, Attempt: 1})
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return b
}

func TestJobHandler(t *testing.T) {
	retry := retryCfg{maxAttempts: 3, backoff: []time.Duration{time.Second, 2 * time.Second}}

	tests := []struct {
		name        string
		body        []byte
		attempt     int
		engineErr   error
		wantRequeue bool
		wantDelay   time.Duration
		wantCalls   int
	}{
		{name: "success finishes", body: jobBody(t, "n-1"), attempt: 1, wantCalls: 1},
		{name: "bad payload finishes without a pass", body: []byte("{"), attempt: 1},
		{name: "missing id finishes without a pass", body: []byte(`{"attempt":1}`), attempt: 1},
		{name: "failure requeues with backoff", body: jobBody(t, "n-1"), attempt: 2, engineErr: errors.New("boom"), wantRequeue: true, wantDelay: 2 * time.Second, wantCalls: 1},
		{name: "exhausted attempts finish", body: jobBody(t, "n-1"), attempt: 3, engineErr: errors.New("boom"), wantCalls: 1},
		{name: "missing record finishes", body: jobBody(t, "n-1"), attempt: 1, engineErr: &domain.NotFoundError{Kind: "notification", ID: "n-1"}, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{err: tt.engineErr}
			h := &jobHandler{engine: eng, retry: retry, logger: logging.NewWithWriter("test", io.Discard, logging.LevelError)}
			got := h.handle(context.Background(), tt.body, tt.attempt)
			if got.requeue != tt.wantRequeue {
				t.Errorf("requeue = %v, want %v", got.requeue, tt.wantRequeue)
			}
			if got.delay != tt.wantDelay {
				t.Errorf("delay = %v, want %v", got.delay, tt.wantDelay)
			}
			if len(eng.calls) != tt.wantCalls {
				t.Errorf("engine calls = %d, want %d", len(eng.calls), tt.wantCalls)
			}
		})
	}
}

func TestRecordDepths(t *testing.T) {
	cfg := config.NSQ{NotificationsTopic: "notifications", WorkerChannel: "reconcilers", QueueDLQTopic: "queue_dlq"}
	stats := `{"topics":[
		{"topic_name":"notifications","channels":[{"channel_name":"reconcilers","depth":12},{"channel_name":"audit","depth":3}]},
		{"topic_name":"queue_dlq","channels":[{"channel_name":"ops","depth":2}]},
		{"topic_name":"unrelated","channels":[{"channel_name":"x","depth":99}]}
	]}`

	backlog, err := recordDepths(strings.NewReader(stats), cfg)
	if err != nil {
		t.Fatalf("recordDepths() error = %v", err)
	}
	if backlog != 12 {
		t.Errorf("backlog = %d, want 12", backlog)
	}
	if got := testutil.ToFloat64(metrics.NSQTopicDepth.WithLabelValues("queue_dlq", "ops")); got != 2 {
		t.Errorf("queue_dlq depth = %v, want 2", got)
	}

	if _, err := recordDepths(strings.NewReader("not json"), cfg); err == nil {
		t.Error("recordDepths() expected error for malformed stats")
	}
}
