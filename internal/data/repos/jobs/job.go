package jobs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

// QueueCounts groups pending/running/failed/dead totals per queue name for
// the operational status surface.
type QueueCounts struct {
	Queue  string `json:"queue"`
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type JobRepo interface {
	Create(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error)
	// FindActiveByIdempotencyKey returns the newest non-dead job carrying key,
	// or nil. Dead jobs do not block re-enqueueing the same logical operation.
	FindActiveByIdempotencyKey(dbc dbctx.Context, key string) (*domain.Job, error)
	// SucceededWithKey reports whether a different job with the same
	// idempotency key already succeeded. Used by the execution-time guard.
	SucceededWithKey(dbc dbctx.Context, key string, excludeID uuid.UUID) (bool, error)
	// ClaimNext atomically claims the next eligible job: priority across the
	// ordered queue list, FIFO within a queue, delayed jobs gated by
	// next_run_at, plus redelivery of running jobs whose heartbeat exceeded
	// the visibility timeout. No two workers can receive the same job.
	ClaimNext(dbc dbctx.Context, queues []string, visibility time.Duration) (*domain.Job, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	// MarkExhaustedDead dead-letters abandoned running jobs that have no
	// attempts left, so they surface to operators instead of being reclaimed.
	MarkExhaustedDead(dbc dbctx.Context, visibility time.Duration) (int64, error)
	CountByQueueAndStatus(dbc dbctx.Context) ([]QueueCounts, error)
	ListByStatus(dbc dbctx.Context, status string, limit int) ([]*domain.Job, error)
	PruneTerminal(dbc dbctx.Context, olderThan time.Time) (int64, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(gdb *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  gdb,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *jobRepo) Create(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	if len(jobs) == 0 {
		return []*domain.Job{}, nil
	}
	if err := r.handle(dbc).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job domain.Job
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error) {
	var out []*domain.Job
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.handle(dbc).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) FindActiveByIdempotencyKey(dbc dbctx.Context, key string) (*domain.Job, error) {
	if strings.TrimSpace(key) == "" {
		return nil, nil
	}
	var job domain.Job
	err := r.handle(dbc).
		Where("idempotency_key = ? AND status <> ?", key, domain.JobStatusDead).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) SucceededWithKey(dbc dbctx.Context, key string, excludeID uuid.UUID) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, nil
	}
	var count int64
	err := r.handle(dbc).
		Model(&domain.Job{}).
		Where("idempotency_key = ? AND status = ? AND id <> ?", key, domain.JobStatusSucceeded, excludeID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

var queueNameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// queueOrderExpr ranks rows by position in the configured queue list.
// Names come from config, not request input, but are still validated before
// being inlined into the ORDER BY.
func queueOrderExpr(queues []string) (string, error) {
	var b strings.Builder
	b.WriteString("CASE queue")
	for i, q := range queues {
		if !queueNameRe.MatchString(q) {
			return "", fmt.Errorf("invalid queue name %q", q)
		}
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", q, i)
	}
	fmt.Fprintf(&b, " ELSE %d END, created_at ASC", len(queues))
	return b.String(), nil
}

func (r *jobRepo) ClaimNext(dbc dbctx.Context, queues []string, visibility time.Duration) (*domain.Job, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("no queues configured")
	}
	orderExpr, err := queueOrderExpr(queues)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	staleCutoff := now.Add(-visibility)

	var claimed *domain.Job
	err = r.handle(dbc).Transaction(func(txx *gorm.DB) error {
		var job domain.Job
		q := txx
		// SKIP LOCKED keeps concurrent workers from blocking on each other's
		// claim; sqlite (tests) serializes writes and has no equivalent.
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.
			Where(`
        (status = ? AND next_run_at <= ?)
        OR (
          status = ?
          AND heartbeat_at IS NOT NULL
          AND heartbeat_at < ?
          AND attempts < max_attempts
        )
      `, domain.JobStatusPending, now, domain.JobStatusRunning, staleCutoff).
			Order(orderExpr).
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&domain.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       domain.JobStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = domain.JobStatusRunning
		job.Attempts++
		job.LockedAt = &now
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.handle(dbc).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	q := r.handle(dbc).
		Model(&domain.Job{}).
		Where("id = ?", id)
	if len(disallowed) == 1 {
		q = q.Where("status <> ?", disallowed[0])
	} else if len(disallowed) > 1 {
		q = q.Where("status NOT IN ?", disallowed)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return r.handle(dbc).
		Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *jobRepo) MarkExhaustedDead(dbc dbctx.Context, visibility time.Duration) (int64, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-visibility)
	res := r.handle(dbc).
		Model(&domain.Job{}).
		Where(`
      status = ?
      AND heartbeat_at IS NOT NULL
      AND heartbeat_at < ?
      AND attempts >= max_attempts
    `, domain.JobStatusRunning, staleCutoff).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusDead,
			"last_error":    "abandoned after exhausting attempts",
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}

func (r *jobRepo) CountByQueueAndStatus(dbc dbctx.Context) ([]QueueCounts, error) {
	var out []QueueCounts
	err := r.handle(dbc).
		Model(&domain.Job{}).
		Select("queue, status, COUNT(*) AS count").
		Group("queue, status").
		Order("queue, status").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) ListByStatus(dbc dbctx.Context, status string, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.Job
	err := r.handle(dbc).
		Where("status = ?", status).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) PruneTerminal(dbc dbctx.Context, olderThan time.Time) (int64, error) {
	res := r.handle(dbc).
		Where("status IN ? AND updated_at < ?",
			[]string{domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusDead},
			olderThan,
		).
		Delete(&domain.Job{})
	return res.RowsAffected, res.Error
}
