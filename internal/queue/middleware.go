package queue

import (
	"time"

	"github.com/tmardale/coursehub-backend/internal/observability"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

// RunFunc is one job execution; middleware wraps it.
type RunFunc func(jc *Context) error

type Middleware func(next RunFunc) RunFunc

// Chain composes middleware so the first entry is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next RunFunc) RunFunc {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Timing logs execution wall time and feeds the latency histogram.
func Timing(log *logger.Logger, metrics *observability.Metrics) Middleware {
	return func(next RunFunc) RunFunc {
		return func(jc *Context) error {
			start := time.Now()
			err := next(jc)
			elapsed := time.Since(start)
			if metrics != nil {
				metrics.ObserveJobRun(jc.Job.Queue, jc.Job.JobType, jc.Job.Status, elapsed)
			}
			if err != nil {
				log.Warn("job run finished with error",
					"job_id", jc.Job.ID, "job_type", jc.Job.JobType, "queue", jc.Job.Queue,
					"attempt", jc.Job.Attempts, "elapsed", elapsed, "error", err)
			} else {
				log.Info("job run finished",
					"job_id", jc.Job.ID, "job_type", jc.Job.JobType, "queue", jc.Job.Queue,
					"attempt", jc.Job.Attempts, "elapsed", elapsed, "status", jc.Job.Status)
			}
			return err
		}
	}
}

// DuplicateGuard short-circuits redelivered executions: when another job
// already succeeded with the same idempotency key, the current one settles
// as succeeded without running the handler.
func DuplicateGuard(log *logger.Logger) Middleware {
	return func(next RunFunc) RunFunc {
		return func(jc *Context) error {
			key := jc.Job.IdempotencyKey
			if key == nil || *key == "" {
				return next(jc)
			}
			done, err := jc.repo.SucceededWithKey(jc.dbc(), *key, jc.Job.ID)
			if err != nil {
				log.Warn("duplicate guard lookup failed, running anyway",
					"job_id", jc.Job.ID, "idempotency_key", *key, "error", err)
				return next(jc)
			}
			if done {
				log.Info("duplicate execution skipped",
					"job_id", jc.Job.ID, "idempotency_key", *key)
				jc.Succeed(map[string]any{"skipped": "duplicate"})
				return nil
			}
			return next(jc)
		}
	}
}

// RateGuard holds rate-limited handlers to their configured window. A
// denied execution fails with a capacity error so the job requeues after
// the advertised wait without burning an attempt.
func RateGuard(limiter RateLimiter, handler Handler, log *logger.Logger) Middleware {
	rl, ok := handler.(RateLimited)
	if !ok || limiter == nil {
		return func(next RunFunc) RunFunc { return next }
	}
	key := rl.RateKey()
	return func(next RunFunc) RunFunc {
		return func(jc *Context) error {
			allowed, retryAfter, err := limiter.Allow(jc.Ctx, key)
			if err != nil {
				log.Warn("rate limiter unavailable, allowing",
					"job_id", jc.Job.ID, "rate_key", key, "error", err)
				return next(jc)
			}
			if !allowed {
				jc.Fail("rate_limit", apperr.Capacity(key, retryAfter))
				return nil
			}
			return next(jc)
		}
	}
}
