package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vigilnet/pkg/distributed"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is a periodic background task. An exclusive job runs on at most one
// instance per tick when state is shared through Redis.
type Job struct {
	Name      string
	Interval  time.Duration
	Exclusive bool
	Run       func(ctx context.Context) error
}

// Runner drives periodic jobs and long-lived workers until its context ends.
type Runner struct {
	jobs    []Job
	workers map[string]func(ctx context.Context) error
	locks   *distributed.LockManager
	logger  *zap.SugaredLogger
}

// NewRunner creates a runner. locks may be nil on a single instance, in
// which case exclusive jobs simply run locally.
func NewRunner(locks *distributed.LockManager, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		workers: make(map[string]func(ctx context.Context) error),
		locks:   locks,
		logger:  logger,
	}
}

// Every schedules job. It must be called before Run.
func (r *Runner) Every(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be > 0", job.Name)
	}
	r.jobs = append(r.jobs, job)
	return nil
}

// Go adds a long-lived worker. A worker returning a non-nil error other than
// context cancellation stops the whole runner.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.workers[name] = fn
}

// Run blocks until ctx is cancelled or a worker fails.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, job := range r.jobs {
		job := job
		g.Go(func() error {
			r.loop(gctx, job)
			return nil
		})
	}
	for name, fn := range r.workers {
		name, fn := name, fn
		g.Go(func() error {
			err := fn(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker %s: %w", name, err)
			}
			return nil
		})
	}

	r.logger.Infow("background runner started", "jobs", len(r.jobs), "workers", len(r.workers))
	err := g.Wait()
	r.logger.Infow("background runner stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) tick(ctx context.Context, job Job) {
	if !job.Exclusive || r.locks == nil {
		if err := job.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warnw("background job failed", "job", job.Name, "error", err)
		}
		return
	}

	ran, err := r.locks.RunExclusive(ctx, "job:"+job.Name, job.Interval, job.Run)
	switch {
	case err != nil && ctx.Err() == nil:
		r.logger.Warnw("background job failed", "job", job.Name, "error", err)
	case !ran:
		r.logger.Debugw("background job skipped, held by another instance", "job", job.Name)
	}
}
