package maintenance

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler runs each job on its own interval until ctx ends. A zero
// interval disables that job.
type Scheduler struct {
	runner    *Runner
	intervals map[string]time.Duration
}

func NewScheduler(runner *Runner, intervals map[string]time.Duration) *Scheduler {
	return &Scheduler{runner: runner, intervals: intervals}
}

// Run blocks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range Jobs {
		every := s.intervals[job]
		if every <= 0 {
			continue
		}
		g.Go(func() error {
			s.loop(ctx, job, every)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are logged by the runner; the next tick tries again
			_, _ = s.runner.Run(ctx, job)
		}
	}
}
