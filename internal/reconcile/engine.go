// Package reconcile converges the canonical task store on the external table.
// The provider only says "something changed", so every pass reads the full
// snapshot and applies a three-way diff.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/metrics"
	"github.com/austindbirch/pallet_sync/internal/store"
	"github.com/austindbirch/pallet_sync/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Source yields the complete external snapshot
type Source interface {
	ListRows(ctx context.Context) ([]domain.ExternalRow, error)
}

// Notifier turns task events into prepared outbound queue items. The engine
// stages them in the same critical section as the task writes.
type Notifier interface {
	Compose(ctx context.Context, events []Event) ([]domain.QueueItem, error)
}

// Triggers recorded on metrics and synthetic records
const (
	TriggerWebhook   = "webhook"
	TriggerManual    = "manual"
	TriggerReprocess = "reprocess"
)

type Options struct {
	Now    func() time.Time
	Logger *logging.Logger
}

type Engine struct {
	source   Source
	tasks    store.Tasks
	records  store.Notifications
	notifier Notifier
	opts     Options
}

// NewEngine wires the engine. A nil notifier disables outbound notifications.
func NewEngine(source Source, tasks store.Tasks, records store.Notifications, notifier Notifier, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("palletsync-reconcile")
	}
	return &Engine{source: source, tasks: tasks, records: records, notifier: notifier, opts: opts}
}

// Result summarises one pass
type Result struct {
	Trigger         string        `json:"trigger"`
	NotificationIDs []string      `json:"notification_ids,omitempty"`
	Inserted        int           `json:"inserted"`
	Updated         int           `json:"updated"`
	Deleted         int           `json:"deleted"`
	Skipped         int           `json:"skipped"`
	Notified        int           `json:"notified"`
	Duration        time.Duration `json:"duration"`
}

// Changed reports whether the pass mutated the store
func (r Result) Changed() bool {
	return r.Inserted+r.Updated+r.Deleted > 0
}

// HandleNotification runs a pass for one stored notification. Records already
// processed are acknowledged without another pass.
func (e *Engine) HandleNotification(ctx context.Context, id string) (Result, error) {
	rec, err := e.records.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if rec.State == domain.ProcessingProcessed {
		e.opts.Logger.WithContext(ctx).WithNotification(id).Debug("notification already processed")
		return Result{Trigger: TriggerWebhook, NotificationIDs: []string{id}}, nil
	}
	return e.pass(ctx, TriggerWebhook, []string{id})
}

// Run records a synthetic notification and reconciles for it
func (e *Engine) Run(ctx context.Context) (Result, error) {
	rec := domain.NotificationRecord{
		ID:             uuid.NewString(),
		SubscriptionID: TriggerManual,
		ChangeType:     TriggerManual,
		State:          domain.ProcessingPending,
		ReceivedAt:     e.opts.Now(),
	}
	if err := e.records.Insert(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("record manual trigger: %w", err)
	}
	return e.pass(ctx, TriggerManual, []string{rec.ID})
}

// Reprocess reconciles once on behalf of every retryable notification: failed
// ones, and pending ones older than stuckAfter, under maxAttempts. One pass
// covers them all because each pass reads the whole snapshot.
func (e *Engine) Reprocess(ctx context.Context, stuckAfter time.Duration, maxAttempts, limit int) (Result, error) {
	recs, err := e.records.ListRetryable(ctx, e.opts.Now().Add(-stuckAfter), maxAttempts, limit)
	if err != nil {
		return Result{}, err
	}
	if len(recs) == 0 {
		return Result{Trigger: TriggerReprocess}, nil
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return e.pass(ctx, TriggerReprocess, ids)
}

// Reconcile runs a pass with no notification bookkeeping
func (e *Engine) Reconcile(ctx context.Context) (Result, error) {
	return e.pass(ctx, TriggerManual, nil)
}

func (e *Engine) pass(ctx context.Context, trigger string, ids []string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.pass", attribute.String("trigger", trigger), attribute.Int("notifications", len(ids)))
	defer span.End()

	start := time.Now()
	res, err := e.apply(ctx)
	res.Trigger = trigger
	res.NotificationIDs = ids
	res.Duration = time.Since(start)

	log := e.opts.Logger.WithContext(ctx).WithFields(map[string]any{
		"trigger":       trigger,
		"notifications": ids,
		"inserted":      res.Inserted,
		"updated":       res.Updated,
		"deleted":       res.Deleted,
		"skipped":       res.Skipped,
		"notified":      res.Notified,
		"duration_ms":   res.Duration.Milliseconds(),
	})

	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordReconciliation(trigger, "error", res.Duration)
		if len(ids) > 0 {
			if markErr := e.records.MarkFailed(ctx, ids, err.Error()); markErr != nil {
				err = errors.Join(err, fmt.Errorf("record failure: %w", markErr))
			}
		}
		log.WithError(err).Error("reconciliation failed")
		return res, err
	}

	metrics.RecordReconciliation(trigger, "ok", res.Duration)
	if len(ids) > 0 {
		if err := e.records.MarkProcessed(ctx, ids, e.opts.Now()); err != nil {
			return res, fmt.Errorf("mark processed: %w", err)
		}
	}
	span.SetAttributes(
		attribute.Int("inserted", res.Inserted),
		attribute.Int("updated", res.Updated),
		attribute.Int("deleted", res.Deleted),
	)
	if res.Changed() {
		log.Info("reconciliation applied")
	} else {
		log.Debug("reconciliation found nothing to do")
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context) (Result, error) {
	var res Result

	// The snapshot is fetched outside the critical section; only the local
	// read and the writes happen under it.
	rows, err := e.source.ListRows(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch external snapshot: %w", err)
	}

	var (
		plan   Plan
		staged []domain.QueueItem
	)
	err = e.tasks.WithinLock(ctx, func(ctx context.Context, tx store.TaskTx) error {
		local, err := tx.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("list local tasks: %w", err)
		}
		plan = Diff(rows, local)

		if len(plan.Inserts) > 0 {
			if err := tx.Insert(ctx, plan.Inserts); err != nil {
				return fmt.Errorf("insert tasks: %w", err)
			}
		}
		for _, u := range plan.Updates {
			if err := tx.Patch(ctx, u.TaskID, u.Patch); err != nil {
				return fmt.Errorf("patch task %s: %w", u.TaskID, err)
			}
		}
		if len(plan.Deletes) > 0 {
			if err := tx.SoftDelete(ctx, plan.Deletes); err != nil {
				return fmt.Errorf("soft-delete tasks: %w", err)
			}
		}

		// Queue items commit or roll back with the mutations that caused them
		events := plan.Events()
		if e.notifier == nil || len(events) == 0 {
			return nil
		}
		items, err := e.notifier.Compose(ctx, events)
		if err != nil {
			return fmt.Errorf("compose notifications: %w", err)
		}
		if len(items) > 0 {
			if err := tx.Enqueue(ctx, items); err != nil {
				return fmt.Errorf("enqueue notifications: %w", err)
			}
		}
		staged = items
		return nil
	})

	for _, s := range plan.Skipped {
		e.opts.Logger.WithContext(ctx).WithTask(s.TaskID).
			WithFields(map[string]any{"row_index": s.Index, "reason": s.Reason}).
			Warn("skipping external row")
	}
	res.Skipped = len(plan.Skipped)
	if err != nil {
		return res, err
	}

	res.Inserted, res.Updated, res.Deleted = len(plan.Inserts), len(plan.Updates), len(plan.Deletes)
	metrics.RecordMutations(res.Inserted, res.Updated, res.Deleted)

	res.Notified = len(staged)
	for _, item := range staged {
		metrics.RecordQueueOutcome(string(item.Channel), string(domain.QueuePending), 0)
	}
	return res, nil
}
