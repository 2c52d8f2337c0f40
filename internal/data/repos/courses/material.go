package courses

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

type MaterialRepo interface {
	Create(dbc dbctx.Context, m *domain.Material) (*domain.Material, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Material, error)
	FindByCourse(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.Material, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type materialRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMaterialRepo(gdb *gorm.DB, baseLog *logger.Logger) MaterialRepo {
	return &materialRepo{db: gdb, log: baseLog.With("repo", "MaterialRepo")}
}

func (r *materialRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *materialRepo) Create(dbc dbctx.Context, m *domain.Material) (*domain.Material, error) {
	if err := r.handle(dbc).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

func (r *materialRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Material, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var m domain.Material
	if err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&m).Error; err != nil {
		return nil, err
	}
	if m.ID == uuid.Nil {
		return nil, nil
	}
	return &m, nil
}

func (r *materialRepo) FindByCourse(dbc dbctx.Context, courseID uuid.UUID) ([]*domain.Material, error) {
	var out []*domain.Material
	if courseID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).
		Where("course_id = ?", courseID).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *materialRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.handle(dbc).Model(&domain.Material{}).Where("id = ?", id).Updates(updates).Error
}

func (r *materialRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).Where("id = ?", id).Delete(&domain.Material{}).Error
}
