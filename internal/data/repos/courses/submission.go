package courses

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

type SubmissionRepo interface {
	Create(dbc dbctx.Context, s *domain.Submission) (*domain.Submission, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Submission, error)
	FindByAssignment(dbc dbctx.Context, assignmentID uuid.UUID) ([]*domain.Submission, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type submissionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSubmissionRepo(gdb *gorm.DB, baseLog *logger.Logger) SubmissionRepo {
	return &submissionRepo{db: gdb, log: baseLog.With("repo", "SubmissionRepo")}
}

func (r *submissionRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *submissionRepo) Create(dbc dbctx.Context, s *domain.Submission) (*domain.Submission, error) {
	if err := r.handle(dbc).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func (r *submissionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Submission, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var s domain.Submission
	if err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&s).Error; err != nil {
		return nil, err
	}
	if s.ID == uuid.Nil {
		return nil, nil
	}
	return &s, nil
}

func (r *submissionRepo) FindByAssignment(dbc dbctx.Context, assignmentID uuid.UUID) ([]*domain.Submission, error) {
	var out []*domain.Submission
	if assignmentID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).
		Where("assignment_id = ?", assignmentID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *submissionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.handle(dbc).Model(&domain.Submission{}).Where("id = ?", id).Updates(updates).Error
}
