package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/reconcile"
	"github.com/austindbirch/pallet_sync/internal/tracing"
)

// Job is the message handed from the webhook ingress to a reconciler
type Job struct {
	NotificationID string            `json:"notification_id"`
	SubscriptionID string            `json:"subscription_id"`
	Attempt        int               `json:"attempt"`
	PublishedAt    string            `json:"published_at"` // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
}

// Handoff passes persisted notification ids on for asynchronous processing.
// It must return quickly; the webhook response waits on it.
type Handoff interface {
	Handoff(ctx context.Context, job Job) error
}

// Publisher is the part of *nsq.Producer the NSQ handoff uses
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQHandoff publishes jobs to a topic consumed by the worker
type NSQHandoff struct {
	Producer Publisher
	Topic    string
}

func (h *NSQHandoff) Handoff(ctx context.Context, job Job) error {
	if job.TraceHeaders == nil {
		job.TraceHeaders = tracing.InjectCarrier(ctx)
	}
	if job.PublishedAt == "" {
		job.PublishedAt = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := h.Producer.Publish(h.Topic, body); err != nil {
		return fmt.Errorf("publish %s: %w", h.Topic, err)
	}
	return nil
}

// Reconciler is the part of the reconciliation engine a handoff drives
type Reconciler interface {
	HandleNotification(ctx context.Context, id string) (reconcile.Result, error)
}

// InProcessHandoff runs the reconciliation in a goroutine of this process.
// Failures stay on the notification record for the reprocess job.
type InProcessHandoff struct {
	Engine Reconciler
	Logger *logging.Logger
	// Timeout bounds a single pass; zero means no bound
	Timeout time.Duration
}

func (h *InProcessHandoff) Handoff(ctx context.Context, job Job) error {
	// Detached: the request context ends as soon as the webhook acks
	bg := context.WithoutCancel(ctx)
	go func() {
		ctx := bg
		if h.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(bg, h.Timeout)
			defer cancel()
		}
		res, err := h.Engine.HandleNotification(ctx, job.NotificationID)
		entry := h.Logger.WithContext(ctx).WithNotification(job.NotificationID)
		if err != nil {
			entry.WithError(err).Warn("in-process reconciliation failed")
			return
		}
		entry.WithFields(map[string]any{
			"inserted": res.Inserted,
			"updated":  res.Updated,
			"deleted":  res.Deleted,
		}).Debug("in-process reconciliation done")
	}()
	return nil
}
