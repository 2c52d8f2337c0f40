package courses

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

type CourseSearch struct {
	Semester  string
	TitleLike string
	Published *bool
	Limit     int
}

type CourseRepo interface {
	Create(dbc dbctx.Context, c *domain.Course) (*domain.Course, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Course, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
	Search(dbc dbctx.Context, criteria CourseSearch) ([]*domain.Course, error)
}

type courseRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCourseRepo(gdb *gorm.DB, baseLog *logger.Logger) CourseRepo {
	return &courseRepo{db: gdb, log: baseLog.With("repo", "CourseRepo")}
}

func (r *courseRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *courseRepo) Create(dbc dbctx.Context, c *domain.Course) (*domain.Course, error) {
	if err := r.handle(dbc).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (r *courseRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Course, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var c domain.Course
	if err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&c).Error; err != nil {
		return nil, err
	}
	if c.ID == uuid.Nil {
		return nil, nil
	}
	return &c, nil
}

func (r *courseRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.handle(dbc).Model(&domain.Course{}).Where("id = ?", id).Updates(updates).Error
}

func (r *courseRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).Where("id = ?", id).Delete(&domain.Course{}).Error
}

func (r *courseRepo) Search(dbc dbctx.Context, criteria CourseSearch) ([]*domain.Course, error) {
	q := r.handle(dbc).Model(&domain.Course{})
	if s := strings.TrimSpace(criteria.Semester); s != "" {
		q = q.Where("semester = ?", s)
	}
	if t := strings.TrimSpace(criteria.TitleLike); t != "" {
		q = q.Where("title LIKE ?", "%"+t+"%")
	}
	if criteria.Published != nil {
		q = q.Where("published = ?", *criteria.Published)
	}
	limit := criteria.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.Course
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
