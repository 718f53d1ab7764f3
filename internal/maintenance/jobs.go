// Package maintenance runs the periodic jobs: subscription renewal, queue
// draining and notification reprocessing. They can be triggered over HTTP by
// an external scheduler or by the in-process Scheduler.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/pallet_sync/internal/delivery"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"github.com/austindbirch/pallet_sync/internal/reconcile"
	"github.com/austindbirch/pallet_sync/internal/subscription"
	"github.com/austindbirch/pallet_sync/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	JobRenewSubscriptions    = "renew-subscriptions"
	JobDrainQueue            = "drain-queue"
	JobReprocessNotification = "reprocess-notifications"
)

// Jobs lists every job name in a stable order
var Jobs = []string{JobRenewSubscriptions, JobDrainQueue, JobReprocessNotification}

// Scope is the token scope a caller needs to trigger job
func Scope(job string) string { return "cron:" + job }

type Renewer interface {
	AutoRenew(ctx context.Context) (subscription.RenewReport, error)
}

type Drainer interface {
	Drain(ctx context.Context, batchSize int) (delivery.DrainReport, error)
}

type Reprocessor interface {
	Reprocess(ctx context.Context, stuckAfter time.Duration, maxAttempts, limit int) (reconcile.Result, error)
}

// Options tunes the job arguments
type Options struct {
	DrainBatchSize       int
	ReprocessStuckAfter  time.Duration
	ReprocessMaxAttempts int
	ReprocessLimit       int
	Logger               *logging.Logger
}

// Report is what one job run returns
type Report struct {
	Job      string        `json:"job"`
	Result   any           `json:"result"`
	Duration time.Duration `json:"duration"`
	// Shared is set when the caller joined a run already in flight
	Shared bool `json:"shared,omitempty"`
}

// ErrUnknownJob is returned for job names outside Jobs
type ErrUnknownJob string

func (e ErrUnknownJob) Error() string { return fmt.Sprintf("unknown maintenance job %q", string(e)) }

// Runner executes jobs, coalescing concurrent runs of the same job
type Runner struct {
	renewer     Renewer
	drainer     Drainer
	reprocessor Reprocessor
	opts        Options
	group       singleflight.Group
}

func NewRunner(renewer Renewer, drainer Drainer, reprocessor Reprocessor, opts Options) *Runner {
	if opts.DrainBatchSize <= 0 {
		opts.DrainBatchSize = 50
	}
	if opts.ReprocessStuckAfter <= 0 {
		opts.ReprocessStuckAfter = 15 * time.Minute
	}
	if opts.ReprocessMaxAttempts <= 0 {
		opts.ReprocessMaxAttempts = 5
	}
	if opts.ReprocessLimit <= 0 {
		opts.ReprocessLimit = 500
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("maintenance")
	}
	return &Runner{renewer: renewer, drainer: drainer, reprocessor: reprocessor, opts: opts}
}

// Run executes job, or joins the run already in flight. The shared run is
// detached from any single caller; ctx only bounds how long this caller waits.
func (r *Runner) Run(ctx context.Context, job string) (Report, error) {
	fn, err := r.job(job)
	if err != nil {
		return Report{}, err
	}
	ch := r.group.DoChan(job, func() (any, error) {
		runCtx, span := tracing.StartSpan(context.WithoutCancel(ctx), "maintenance.run", attribute.String("job", job))
		defer span.End()

		start := time.Now()
		res, err := fn(runCtx)
		rep := Report{Job: job, Result: res, Duration: time.Since(start)}
		entry := r.opts.Logger.WithContext(runCtx).WithFields(map[string]any{
			"job":         job,
			"duration_ms": rep.Duration.Milliseconds(),
		})
		if err != nil {
			tracing.SetSpanError(runCtx, err)
			entry.WithError(err).Error("maintenance job failed")
		} else {
			entry.WithField("result", res).Info("maintenance job finished")
		}
		return rep, err
	})
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case res := <-ch:
		rep, _ := res.Val.(Report)
		rep.Shared = res.Shared
		return rep, res.Err
	}
}

func (r *Runner) job(name string) (func(context.Context) (any, error), error) {
	switch name {
	case JobRenewSubscriptions:
		return func(ctx context.Context) (any, error) { return r.renewer.AutoRenew(ctx) }, nil
	case JobDrainQueue:
		return func(ctx context.Context) (any, error) { return r.drainer.Drain(ctx, r.opts.DrainBatchSize) }, nil
	case JobReprocessNotification:
		return func(ctx context.Context) (any, error) {
			return r.reprocessor.Reprocess(ctx, r.opts.ReprocessStuckAfter, r.opts.ReprocessMaxAttempts, r.opts.ReprocessLimit)
		}, nil
	}
	return nil, ErrUnknownJob(name)
}
