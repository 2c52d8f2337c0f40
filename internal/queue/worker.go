package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/tmardale/coursehub-backend/internal/data/repos/jobs"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/observability"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
	"golang.org/x/sync/errgroup"
)

type WorkerConfig struct {
	// Queues in claim-priority order, highest first.
	Queues       []string
	Concurrency  int
	PollInterval time.Duration
	// Visibility bounds how long a claimed job may go without a
	// heartbeat before another worker may reclaim it.
	Visibility time.Duration
	// BackoffFor resolves the retry schedule for a job class.
	BackoffFor func(jobClass string) []time.Duration
}

/*
Worker drains the job table. Each loop claims at most one runnable row,
executes its handler under the middleware chain, and settles the outcome.
A stalled handler loses its claim after the visibility window and the row
is re-claimed with the attempt already counted.
*/
type Worker struct {
	repo     jobs.JobRepo
	registry *Registry
	limiter  RateLimiter
	log      *logger.Logger
	metrics  *observability.Metrics
	cfg      WorkerConfig
}

func NewWorker(repo jobs.JobRepo, registry *Registry, limiter RateLimiter, log *logger.Logger, metrics *observability.Metrics, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 2 * time.Minute
	}
	return &Worker{repo: repo, registry: registry, limiter: limiter, log: log, metrics: metrics, cfg: cfg}
}

// Start runs the pool until ctx is cancelled. In-flight handlers finish;
// unstarted claims are left for the next process.
func (w *Worker) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.runLoop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		w.janitorLoop(ctx)
		return nil
	})
	w.log.Info("worker pool started",
		"concurrency", w.cfg.Concurrency, "queues", w.cfg.Queues, "poll_interval", w.cfg.PollInterval)
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain until the queues are empty, then go back to polling.
			for {
				claimed, err := w.Tick(ctx)
				if err != nil {
					w.log.Error("worker tick failed", "error", err)
					break
				}
				if !claimed {
					break
				}
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// Tick claims and executes at most one job. It reports whether a job was
// claimed, so callers can drain without sleeping.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	job, err := w.repo.ClaimNext(dbctx.Context{Ctx: ctx}, w.cfg.Queues, w.cfg.Visibility)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *domain.Job) {
	backoff := []time.Duration(nil)
	if w.cfg.BackoffFor != nil {
		backoff = w.cfg.BackoffFor(job.JobType)
	}
	jc := newContext(ctx, job, w.repo, w.log, backoff)

	handler, ok := w.registry.Get(job.JobType)
	if !ok {
		jc.Fail("resolve_handler", apperr.Terminal("no handler registered", fmt.Errorf("job_type=%s", job.JobType)))
		return
	}

	run := Chain(
		Timing(w.log, w.metrics),
		DuplicateGuard(w.log),
		RateGuard(w.limiter, handler, w.log),
	)(func(jc *Context) error {
		return w.safeRun(handler, jc)
	})

	if err := run(jc); err != nil && !jc.settled {
		jc.Fail(job.Stage, err)
	}
	if !jc.settled && job.Status == domain.JobStatusRunning {
		jc.Succeed(nil)
	}
}

// safeRun converts a handler panic into a failed execution instead of
// taking the loop down.
func (w *Worker) safeRun(h Handler, jc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panicked",
				"job_id", jc.Job.ID, "job_type", jc.Job.JobType, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Run(jc)
}

// janitorLoop periodically dead-letters abandoned claims whose attempt
// budget is spent, and samples queue depths for the metrics surface.
func (w *Worker) janitorLoop(ctx context.Context) {
	interval := w.cfg.Visibility
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.repo.MarkExhaustedDead(dbctx.Context{Ctx: ctx}, w.cfg.Visibility)
			if err != nil {
				w.log.Warn("janitor sweep failed", "error", err)
			} else if n > 0 {
				w.log.Warn("abandoned jobs dead-lettered", "count", n)
			}
			if w.metrics != nil {
				counts, err := w.repo.CountByQueueAndStatus(dbctx.Context{Ctx: ctx})
				if err == nil {
					w.metrics.SetQueueDepths(counts)
				}
			}
		}
	}
}
