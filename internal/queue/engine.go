package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/data/repos/jobs"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

// Options tunes a single enqueue.
type Options struct {
	// Delay postpones the earliest run.
	Delay time.Duration
	// MaxAttempts overrides the configured default when > 0.
	MaxAttempts int
	// IdempotencyKey collapses logical duplicates: when an active or
	// succeeded job already carries the key, that job is returned and no
	// new row is written.
	IdempotencyKey string
	// BatchID stamps the job as a member of a bulk operation.
	BatchID *uuid.UUID
	// AfterCommit writes the row outside the caller's transaction. The
	// default couples the job to the caller's commit: enqueued inside a
	// transaction, the row becomes claimable only if that commit lands.
	AfterCommit bool
}

/*
Engine is the write side of the job queue. Enqueue persists a row inside
the caller's transaction when dbc carries one, so a job triggered by a
domain mutation becomes runnable only if that mutation commits. Passing a
bare dbc makes the job visible to workers immediately.
*/
type Engine struct {
	repo               jobs.JobRepo
	log                *logger.Logger
	defaultMaxAttempts int
}

func NewEngine(repo jobs.JobRepo, log *logger.Logger, defaultMaxAttempts int) *Engine {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Engine{repo: repo, log: log, defaultMaxAttempts: defaultMaxAttempts}
}

func (e *Engine) Enqueue(dbc dbctx.Context, queueName, jobType string, payload any, opts Options) (*domain.Job, error) {
	if err := validQueue(queueName); err != nil {
		return nil, err
	}
	if jobType == "" {
		return nil, apperr.Validation("job_type", "must not be empty")
	}
	if opts.AfterCommit {
		dbc = dbctx.Context{Ctx: dbc.Ctx}
	}

	if opts.IdempotencyKey != "" {
		existing, err := e.repo.FindActiveByIdempotencyKey(dbc, opts.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			e.log.Debug("enqueue collapsed onto existing job",
				"idempotency_key", opts.IdempotencyKey, "job_id", existing.ID, "status", existing.Status)
			return existing, nil
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Validation("payload", "not serializable: "+err.Error())
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.defaultMaxAttempts
	}
	now := time.Now().UTC()
	job := &domain.Job{
		ID:          uuid.New(),
		Queue:       queueName,
		JobType:     jobType,
		Payload:     raw,
		Status:      domain.JobStatusPending,
		MaxAttempts: maxAttempts,
		NextRunAt:   now.Add(opts.Delay),
		BatchID:     opts.BatchID,
	}
	if opts.IdempotencyKey != "" {
		k := opts.IdempotencyKey
		job.IdempotencyKey = &k
	}

	if _, err := e.repo.Create(dbc, []*domain.Job{job}); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	e.log.Debug("job enqueued",
		"job_id", job.ID, "queue", queueName, "job_type", jobType, "next_run_at", job.NextRunAt)
	return job, nil
}

// EnqueueBatchMember is Enqueue with the batch stamp required up front.
func (e *Engine) EnqueueBatchMember(dbc dbctx.Context, queueName, jobType string, payload any, batchID uuid.UUID, opts Options) (*domain.Job, error) {
	opts.BatchID = &batchID
	return e.Enqueue(dbc, queueName, jobType, payload, opts)
}

// Requeue makes a dead job runnable again with a fresh attempt budget.
// Operator surface only; workers never resurrect dead rows themselves.
func (e *Engine) Requeue(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := e.repo.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.ErrNotFound
	}
	if job.Status != domain.JobStatusDead && job.Status != domain.JobStatusFailed {
		return nil, apperr.Validation("status", "only dead or failed jobs can be requeued")
	}
	err = e.repo.UpdateFields(dbc, id, map[string]any{
		"status":      domain.JobStatusPending,
		"attempts":    0,
		"next_run_at": time.Now().UTC(),
		"locked_at":   nil,
		"last_error":  "",
	})
	if err != nil {
		return nil, err
	}
	return e.repo.GetByID(dbc, id)
}

func validQueue(name string) error {
	switch name {
	case domain.QueueCritical, domain.QueueEmails, domain.QueueDefault, domain.QueueLow:
		return nil
	}
	return apperr.Validation("queue", "unknown queue "+name)
}
