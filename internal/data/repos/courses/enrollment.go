package courses

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

// CourseEnrollmentCount pairs a course with its roster size, for warmup
// target selection.
type CourseEnrollmentCount struct {
	CourseID uuid.UUID `gorm:"column:course_id"`
	Students int64     `gorm:"column:students"`
}

type EnrollmentRepo interface {
	// Upsert enrolls by natural key (student, course, semester). Returns
	// created=false with a DuplicateError when the enrollment already exists,
	// including duplicates originating inside the same chunk. Safe to re-run.
	Upsert(dbc dbctx.Context, e *domain.Enrollment) (created bool, err error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Enrollment, error)
	FindByCourse(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.Enrollment, error)
	CountByCourse(dbc dbctx.Context, courseID uuid.UUID) (int64, error)
	// TopCourses lists courses by roster size, largest first.
	TopCourses(dbc dbctx.Context, limit int) ([]CourseEnrollmentCount, error)
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type enrollmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEnrollmentRepo(gdb *gorm.DB, baseLog *logger.Logger) EnrollmentRepo {
	return &enrollmentRepo{db: gdb, log: baseLog.With("repo", "EnrollmentRepo")}
}

func (r *enrollmentRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *enrollmentRepo) Upsert(dbc dbctx.Context, e *domain.Enrollment) (bool, error) {
	if e == nil {
		return false, fmt.Errorf("nil enrollment")
	}
	student := strings.ToLower(strings.TrimSpace(e.StudentEmail))
	if student == "" || e.CourseID == uuid.Nil || strings.TrimSpace(e.Semester) == "" {
		return false, apperr.Validation("enrollment", "student, course and semester are required")
	}
	e.StudentEmail = student

	var created bool
	err := r.handle(dbc).Transaction(func(txx *gorm.DB) error {
		var count int64
		if err := txx.Model(&domain.Enrollment{}).
			Where("student_email = ? AND course_id = ? AND semester = ?", e.StudentEmail, e.CourseID, e.Semester).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperr.Duplicate(fmt.Sprintf("%s/%s/%s", e.StudentEmail, e.CourseID, e.Semester))
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		now := time.Now().UTC()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = now
		if err := txx.Create(e).Error; err != nil {
			// The unique index can still fire under concurrent inserts of the
			// same natural key; surface that as a duplicate, not a failure.
			if isUniqueViolation(err) {
				return apperr.Duplicate(fmt.Sprintf("%s/%s/%s", e.StudentEmail, e.CourseID, e.Semester))
			}
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		if apperr.IsDuplicate(err) {
			return false, err
		}
		return false, err
	}
	return created, nil
}

func (r *enrollmentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Enrollment, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var e domain.Enrollment
	if err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&e).Error; err != nil {
		return nil, err
	}
	if e.ID == uuid.Nil {
		return nil, nil
	}
	return &e, nil
}

func (r *enrollmentRepo) FindByCourse(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.Enrollment, error) {
	var out []*domain.Enrollment
	if courseID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).
		Where("course_id = ?", courseID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *enrollmentRepo) CountByCourse(dbc dbctx.Context, courseID uuid.UUID) (int64, error) {
	if courseID == uuid.Nil {
		return 0, nil
	}
	var count int64
	err := r.handle(dbc).
		Model(&domain.Enrollment{}).
		Where("course_id = ?", courseID).
		Count(&count).Error
	return count, err
}

func (r *enrollmentRepo) TopCourses(dbc dbctx.Context, limit int) ([]CourseEnrollmentCount, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []CourseEnrollmentCount
	err := r.handle(dbc).
		Model(&domain.Enrollment{}).
		Select("course_id, COUNT(*) AS students").
		Group("course_id").
		Order("students DESC").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *enrollmentRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).Where("id = ?", id).Delete(&domain.Enrollment{}).Error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
