package pipelines

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

type PipelineRunRepo interface {
	Create(dbc dbctx.Context, run *domain.PipelineRun) (*domain.PipelineRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.PipelineRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus guards transitions so a cancelled or already
	// terminal run is never overwritten by a late stage callback.
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error)
	ListByStatus(dbc dbctx.Context, status string, limit int) ([]*domain.PipelineRun, error)
	Recent(dbc dbctx.Context, limit int) ([]*domain.PipelineRun, error)
}

type pipelineRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineRunRepo(gdb *gorm.DB, baseLog *logger.Logger) PipelineRunRepo {
	return &pipelineRunRepo{
		db:  gdb,
		log: baseLog.With("repo", "PipelineRunRepo"),
	}
}

func (r *pipelineRunRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *pipelineRunRepo) Create(dbc dbctx.Context, run *domain.PipelineRun) (*domain.PipelineRun, error) {
	if run == nil {
		return nil, fmt.Errorf("nil run")
	}
	if err := r.handle(dbc).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *pipelineRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var run domain.PipelineRun
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *pipelineRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.handle(dbc).
		Model(&domain.PipelineRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *pipelineRunRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	q := r.handle(dbc).
		Model(&domain.PipelineRun{}).
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

func (r *pipelineRunRepo) ListByStatus(dbc dbctx.Context, status string, limit int) ([]*domain.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.PipelineRun
	err := r.handle(dbc).
		Where("status = ?", status).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pipelineRunRepo) Recent(dbc dbctx.Context, limit int) ([]*domain.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*domain.PipelineRun
	err := r.handle(dbc).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeStages and EncodeStages keep the stage list JSON handling in one
// place; the orchestrator is the only writer.
func DecodeStages(run *domain.PipelineRun) ([]domain.StageState, error) {
	var stages []domain.StageState
	if run == nil || len(run.Stages) == 0 {
		return stages, nil
	}
	if err := json.Unmarshal(run.Stages, &stages); err != nil {
		return nil, fmt.Errorf("decode stages for run %s: %w", run.ID, err)
	}
	return stages, nil
}

func EncodeStages(stages []domain.StageState) (datatypes.JSON, error) {
	b, err := json.Marshal(stages)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
