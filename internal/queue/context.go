package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tmardale/coursehub-backend/internal/data/repos/jobs"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
	"gorm.io/gorm"
)

/*
Context is the per-execution handle given to a job handler. It carries the
claimed row, reports progress against it, and settles the terminal outcome
exactly once. After Succeed or Fail has been called, further settlement
calls are no-ops.
*/
type Context struct {
	Ctx context.Context
	Job *domain.Job

	repo    jobs.JobRepo
	log     *logger.Logger
	backoff []time.Duration
	settled bool
}

func newContext(ctx context.Context, job *domain.Job, repo jobs.JobRepo, log *logger.Logger, backoff []time.Duration) *Context {
	return &Context{Ctx: ctx, Job: job, repo: repo, log: log, backoff: backoff}
}

// BindPayload decodes the job payload into v.
func (c *Context) BindPayload(v any) error {
	if len(c.Job.Payload) == 0 {
		return apperr.Validation("payload", "empty payload")
	}
	if err := json.Unmarshal(c.Job.Payload, v); err != nil {
		return apperr.Terminal("decode payload", err)
	}
	return nil
}

// Progress records the named stage on the row and refreshes the heartbeat
// so the visibility timeout keeps moving while work is underway.
func (c *Context) Progress(stage string) {
	now := time.Now().UTC()
	_, err := c.repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, []string{domain.JobStatusDead}, map[string]any{
		"stage":        stage,
		"heartbeat_at": now,
	})
	if err != nil {
		c.log.Warn("job progress update failed", "job_id", c.Job.ID, "stage", stage, "error", err)
		return
	}
	c.Job.Stage = stage
	c.Job.HeartbeatAt = &now
}

// Heartbeat extends the claim without changing the stage.
func (c *Context) Heartbeat() {
	now := time.Now().UTC()
	if err := c.repo.Heartbeat(c.dbc(), c.Job.ID); err != nil {
		c.log.Warn("job heartbeat failed", "job_id", c.Job.ID, "error", err)
		return
	}
	c.Job.HeartbeatAt = &now
}

// Succeed settles the job as succeeded, recording an optional result
// document for later inspection.
func (c *Context) Succeed(result any) {
	if c.settled {
		return
	}
	fields := map[string]any{
		"status":    domain.JobStatusSucceeded,
		"locked_at": nil,
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			c.log.Warn("job result marshal failed", "job_id", c.Job.ID, "error", err)
		} else {
			fields["result"] = raw
		}
	}
	if _, err := c.repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, []string{domain.JobStatusDead}, fields); err != nil {
		c.log.Error("job succeed update failed", "job_id", c.Job.ID, "error", err)
		return
	}
	c.Job.Status = domain.JobStatusSucceeded
	c.settled = true
}

/*
Fail settles a failed execution. Classification of err decides the path:

  - capacity errors requeue after the advertised delay without consuming
    the attempt that hit the limit;
  - terminal and validation errors park the job as failed immediately;
  - anything else is treated as transient and rescheduled on the class
    backoff schedule until attempts are exhausted, then dead-lettered.
*/
func (c *Context) Fail(stage string, err error) {
	if c.settled {
		return
	}
	if err == nil {
		err = fmt.Errorf("unspecified failure")
	}
	now := time.Now().UTC()
	fields := map[string]any{
		"stage":         stage,
		"last_error":    err.Error(),
		"last_error_at": now,
		"locked_at":     nil,
	}

	if ce, ok := apperr.AsCapacity(err); ok {
		fields["status"] = domain.JobStatusPending
		fields["next_run_at"] = now.Add(ce.RetryAfter)
		fields["attempts"] = gorm.Expr("attempts - 1")
		c.log.Info("job requeued on capacity",
			"job_id", c.Job.ID, "job_type", c.Job.JobType, "retry_after", ce.RetryAfter)
	} else if !apperr.Retryable(err) {
		fields["status"] = domain.JobStatusFailed
		c.log.Warn("job failed terminally",
			"job_id", c.Job.ID, "job_type", c.Job.JobType, "stage", stage, "error", err)
	} else if c.Job.Attempts >= c.Job.MaxAttempts {
		fields["status"] = domain.JobStatusDead
		c.log.Error("job dead-lettered",
			"job_id", c.Job.ID, "job_type", c.Job.JobType, "attempts", c.Job.Attempts, "error", err)
	} else {
		delay := c.delayForAttempt(c.Job.Attempts)
		fields["status"] = domain.JobStatusPending
		fields["next_run_at"] = now.Add(delay)
		c.log.Warn("job retry scheduled",
			"job_id", c.Job.ID, "job_type", c.Job.JobType, "attempt", c.Job.Attempts, "delay", delay, "error", err)
	}

	if _, uerr := c.repo.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID, []string{domain.JobStatusDead}, fields); uerr != nil {
		c.log.Error("job fail update failed", "job_id", c.Job.ID, "error", uerr)
		return
	}
	if s, ok := fields["status"].(string); ok {
		c.Job.Status = s
	}
	c.settled = true
}

// delayForAttempt returns the wait before retry after the given attempt
// number (1-based). The last schedule entry repeats when attempts run
// past it.
func (c *Context) delayForAttempt(attempt int) time.Duration {
	if len(c.backoff) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.backoff) {
		idx = len(c.backoff) - 1
	}
	return c.backoff[idx]
}

func (c *Context) dbc() dbctx.Context {
	return dbctx.Context{Ctx: c.Ctx}
}
