// Package delivery is the at-least-once outbound notification queue. Items are
// claimed before they are sent, so a drain never reads and dispatches the
// same pending row twice.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/metrics"
	"github.com/austindbirch/pallet_sync/internal/store"
	"github.com/austindbirch/pallet_sync/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// ReasonMaxRetries is the failure reason of an exhausted item
const ReasonMaxRetries = "max retries exceeded"

type Options struct {
	MaxRetries  int           // default for items enqueued without one
	BaseBackoff time.Duration // nextRetryAt = now + BaseBackoff * 2^retryCount
	ClaimLease  time.Duration // claims older than this go back to pending
	Concurrency int           // parallel sends within a drain
	DLQ         Publisher     // optional; receives exhausted items
	DLQTopic    string
	Now         func() time.Time
	Logger      *logging.Logger
}

type Queue struct {
	items  store.Queue
	sender Sender
	opts   Options

	// one drain at a time per process; SKIP LOCKED claims cover other processes
	draining sync.Mutex
}

func NewQueue(items store.Queue, sender Sender, opts Options) *Queue {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Minute
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 10 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DLQTopic == "" {
		opts.DLQTopic = "queue_dlq"
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("palletsync-delivery")
	}
	return &Queue{items: items, sender: sender, opts: opts}
}

// Backoff is the wait before the retryCount-th retry
func Backoff(base time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30
	}
	return base * time.Duration(1<<uint(retryCount))
}

// Prepare validates item and fills it in as a new pending item due
// immediately, without storing it
func (q *Queue) Prepare(item domain.QueueItem) (domain.QueueItem, error) {
	if _, ok := domain.ParseChannel(string(item.Channel)); !ok {
		return domain.QueueItem{}, &domain.ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", item.Channel)}
	}
	if strings.TrimSpace(item.Recipient) == "" {
		return domain.QueueItem{}, &domain.ValidationError{Field: "recipient", Reason: "required"}
	}
	if strings.TrimSpace(item.Body) == "" {
		return domain.QueueItem{}, &domain.ValidationError{Field: "body", Reason: "required"}
	}

	now := q.opts.Now()
	item.ID = uuid.NewString()
	item.Status = domain.QueuePending
	item.RetryCount = 0
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.opts.MaxRetries
	}
	item.NextRetryAt = now
	item.SentAt = nil
	item.FailureReason = ""
	item.ClaimedAt = nil
	item.CreatedAt = now
	return item, nil
}

// Enqueue stores a pending item due immediately
func (q *Queue) Enqueue(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error) {
	item, err := q.Prepare(item)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if err := q.items.Insert(ctx, item); err != nil {
		return domain.QueueItem{}, fmt.Errorf("enqueue: %w", err)
	}
	metrics.RecordQueueOutcome(string(item.Channel), string(domain.QueuePending), 0)
	q.opts.Logger.WithContext(ctx).WithQueueItem(item.ID).WithFields(map[string]any{
		"channel": item.Channel,
		"task_id": item.TaskID,
	}).Debug("queue item enqueued")
	return item, nil
}

// DrainReport aggregates one drain
type DrainReport struct {
	Claimed int  `json:"claimed"`
	Sent    int  `json:"sent"`
	Retried int  `json:"retried"`
	Failed  int  `json:"failed"`
	Busy    bool `json:"busy,omitempty"` // another drain was running
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetried
	outcomeFailed
)

// Drain claims up to batchSize due items and dispatches them. One item failing
// never stops the others; only a failed claim is returned as an error.
func (q *Queue) Drain(ctx context.Context, batchSize int) (DrainReport, error) {
	if !q.draining.TryLock() {
		return DrainReport{Busy: true}, nil
	}
	defer q.draining.Unlock()

	ctx, span := tracing.StartSpan(ctx, "delivery.drain", attribute.Int("batch_size", batchSize))
	defer span.End()

	now := q.opts.Now()
	claimed, err := q.items.Claim(ctx, now, now.Add(-q.opts.ClaimLease), batchSize)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return DrainReport{}, fmt.Errorf("claim queue items: %w", err)
	}
	report := DrainReport{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.opts.Concurrency)
	for _, item := range claimed {
		g.Go(func() error {
			res := q.process(gctx, item)
			mu.Lock()
			switch res {
			case outcomeSent:
				report.Sent++
			case outcomeRetried:
				report.Retried++
			case outcomeFailed:
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("sent", report.Sent),
		attribute.Int("retried", report.Retried),
		attribute.Int("failed", report.Failed),
	)
	q.opts.Logger.WithContext(ctx).WithFields(map[string]any{
		"claimed": report.Claimed,
		"sent":    report.Sent,
		"retried": report.Retried,
		"failed":  report.Failed,
	}).Info("queue drained")
	q.updateBacklog(ctx)
	return report, nil
}

func (q *Queue) process(ctx context.Context, item domain.QueueItem) outcome {
	ctx, span := tracing.StartSpan(ctx, "delivery.send",
		tracing.AttrQueueItemID.String(item.ID),
		tracing.AttrChannel.String(string(item.Channel)),
		attribute.Int("retry_count", item.RetryCount),
	)
	defer span.End()
	if item.TaskID != "" {
		span.SetAttributes(tracing.AttrTaskID.String(item.TaskID))
	}
	log := q.opts.Logger.WithContext(ctx).WithQueueItem(item.ID).WithField("channel", item.Channel)

	start := time.Now()
	sendErr := q.sender.Send(ctx, item)
	latency := time.Since(start)
	now := q.opts.Now()

	if sendErr == nil {
		if err := q.items.MarkSent(ctx, item.ID, now); err != nil {
			// The item stays claimed and is released after the lease
			log.WithError(err).Error("mark sent failed")
			tracing.SetSpanError(ctx, err)
		}
		metrics.RecordQueueOutcome(string(item.Channel), string(domain.QueueSent), latency)
		return outcomeSent
	}

	tracing.SetSpanError(ctx, sendErr)
	reason := classifyReason(sendErr)
	metrics.RecordRetry(reason)

	if item.RetryCount >= item.MaxRetries {
		if err := q.items.MarkFailed(ctx, item.ID, ReasonMaxRetries); err != nil {
			log.WithError(err).Error("mark failed failed")
		}
		item.Status = domain.QueueFailed
		item.FailureReason = ReasonMaxRetries
		q.deadLetter(ctx, item, sendErr)
		metrics.RecordQueueOutcome(string(item.Channel), string(domain.QueueFailed), latency)
		metrics.RecordDLQ(reason)
		log.WithError(sendErr).WithField("retry_count", item.RetryCount).Warn("queue item exhausted retries")
		return outcomeFailed
	}

	retryCount := item.RetryCount + 1
	next := now.Add(Backoff(q.opts.BaseBackoff, retryCount))
	if err := q.items.MarkRetry(ctx, item.ID, retryCount, next, sendErr.Error()); err != nil {
		log.WithError(err).Error("schedule retry failed")
	}
	log.WithError(sendErr).WithFields(map[string]any{
		"retry_count":   retryCount,
		"next_retry_at": next,
	}).Info("queue item scheduled for retry")
	return outcomeRetried
}

func (q *Queue) deadLetter(ctx context.Context, item domain.QueueItem, cause error) {
	if q.opts.DLQ == nil {
		return
	}
	env := NewDeadLetter(item, q.opts.Now(), cause.Error(), ReasonMaxRetries)
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := q.opts.DLQ.Publish(q.opts.DLQTopic, b); err != nil {
		q.opts.Logger.WithContext(ctx).WithQueueItem(item.ID).WithError(err).Error("dlq publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", q.opts.DLQTopic))
}

func (q *Queue) updateBacklog(ctx context.Context) {
	counts, err := q.items.Counts(ctx)
	if err != nil {
		return
	}
	metrics.UpdateQueueBacklog(int64(counts[domain.QueuePending] + counts[domain.QueueSending]))
}

// Stats returns item counts by status
func (q *Queue) Stats(ctx context.Context) (map[domain.QueueStatus]int, error) {
	return q.items.Counts(ctx)
}

// classifyReason buckets send errors for the retry and dlq counters
func classifyReason(err error) string {
	var serr *SendError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrNoRecipient):
		return "no_recipient"
	case errors.As(err, &serr) && serr.StatusCode >= 500:
		return "http_5xx"
	case errors.As(err, &serr) && serr.StatusCode >= 400:
		return "http_4xx"
	case strings.Contains(err.Error(), "connection refused"):
		return "connection_refused"
	default:
		return "send_error"
	}
}
