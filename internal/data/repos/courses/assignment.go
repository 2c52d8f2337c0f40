package courses

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

type AssignmentRepo interface {
	Create(dbc dbctx.Context, a *domain.Assignment) (*domain.Assignment, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Assignment, error)
	FindByCourse(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.Assignment, error)
	// DueBetween lists assignments whose deadline falls inside the window,
	// for reminder batch scheduling.
	DueBetween(dbc dbctx.Context, from, to time.Time) ([]*domain.Assignment, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type assignmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAssignmentRepo(gdb *gorm.DB, baseLog *logger.Logger) AssignmentRepo {
	return &assignmentRepo{db: gdb, log: baseLog.With("repo", "AssignmentRepo")}
}

func (r *assignmentRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *assignmentRepo) Create(dbc dbctx.Context, a *domain.Assignment) (*domain.Assignment, error) {
	if err := r.handle(dbc).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

func (r *assignmentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Assignment, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var a domain.Assignment
	if err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&a).Error; err != nil {
		return nil, err
	}
	if a.ID == uuid.Nil {
		return nil, nil
	}
	return &a, nil
}

func (r *assignmentRepo) FindByCourse(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.Assignment, error) {
	var out []*domain.Assignment
	if courseID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).
		Where("course_id = ?", courseID).
		Order("deadline_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assignmentRepo) DueBetween(dbc dbctx.Context, from, to time.Time) ([]*domain.Assignment, error) {
	var out []*domain.Assignment
	err := r.handle(dbc).
		Where("deadline_at IS NOT NULL AND deadline_at >= ? AND deadline_at < ?", from, to).
		Order("deadline_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assignmentRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.handle(dbc).Model(&domain.Assignment{}).Where("id = ?", id).Updates(updates).Error
}
