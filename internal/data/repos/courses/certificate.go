package courses

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

type CertificateRepo interface {
	// CreateIfAbsent issues at most one certificate per (course, student).
	// A repeat call returns the existing row with created=false, which keeps
	// redelivered certificate chunks from double-issuing.
	CreateIfAbsent(dbc dbctx.Context, c *domain.Certificate) (cert *domain.Certificate, created bool, err error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Certificate, error)
	FindByCourse(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.Certificate, error)
}

type certificateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCertificateRepo(gdb *gorm.DB, baseLog *logger.Logger) CertificateRepo {
	return &certificateRepo{db: gdb, log: baseLog.With("repo", "CertificateRepo")}
}

func (r *certificateRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *certificateRepo) CreateIfAbsent(dbc dbctx.Context, c *domain.Certificate) (*domain.Certificate, bool, error) {
	if c == nil {
		return nil, false, fmt.Errorf("nil certificate")
	}
	student := strings.ToLower(strings.TrimSpace(c.StudentEmail))
	if student == "" || c.CourseID == uuid.Nil {
		return nil, false, apperr.Validation("certificate", "student and course are required")
	}
	c.StudentEmail = student

	var existing domain.Certificate
	err := r.handle(dbc).
		Where("course_id = ? AND student_email = ?", c.CourseID, c.StudentEmail).
		Limit(1).
		Find(&existing).Error
	if err != nil {
		return nil, false, err
	}
	if existing.ID != uuid.Nil {
		return &existing, false, nil
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if err := r.handle(dbc).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost a race to a concurrent issue of the same certificate.
			err2 := r.handle(dbc).
				Where("course_id = ? AND student_email = ?", c.CourseID, c.StudentEmail).
				Limit(1).
				Find(&existing).Error
			if err2 == nil && existing.ID != uuid.Nil {
				return &existing, false, nil
			}
		}
		return nil, false, err
	}
	return c, true, nil
}

func (r *certificateRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Certificate, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var c domain.Certificate
	if err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&c).Error; err != nil {
		return nil, err
	}
	if c.ID == uuid.Nil {
		return nil, nil
	}
	return &c, nil
}

func (r *certificateRepo) FindByCourse(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.Certificate, error) {
	var out []*domain.Certificate
	if courseID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).
		Where("course_id = ?", courseID).
		Order("issued_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
