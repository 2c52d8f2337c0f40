package batches

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

// ChunkOutcome carries one chunk's terminal accounting into CompleteChunk.
type ChunkOutcome struct {
	Succeeded int
	Failed    int
	Samples   []domain.UnitFailure
}

type BatchRepo interface {
	// CreateWithChunks persists the batch and all its chunk rows in one
	// transaction so a crash between the two cannot strand half a batch.
	CreateWithChunks(dbc dbctx.Context, batch *domain.Batch, chunks []*domain.BatchChunk) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Batch, error)
	GetChunk(dbc dbctx.Context, id uuid.UUID) (*domain.BatchChunk, error)
	GetChunkByIndex(dbc dbctx.Context, batchID uuid.UUID, index int) (*domain.BatchChunk, error)
	ListChunks(dbc dbctx.Context, batchID uuid.UUID) ([]*domain.BatchChunk, error)
	// CompleteChunk records a chunk's terminal outcome and folds it into the
	// batch counters atomically. Returns applied=false when the chunk already
	// reported (idempotent redelivery) and batchDone when every chunk is
	// terminal. The succeeded+failed+pending == total invariant holds after
	// every call.
	CompleteChunk(dbc dbctx.Context, chunkID uuid.UUID, out ChunkOutcome, sampleLimit int) (applied bool, batchDone bool, err error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Recent(dbc dbctx.Context, limit int) ([]*domain.Batch, error)
}

type batchRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBatchRepo(gdb *gorm.DB, baseLog *logger.Logger) BatchRepo {
	return &batchRepo{
		db:  gdb,
		log: baseLog.With("repo", "BatchRepo"),
	}
}

func (r *batchRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *batchRepo) CreateWithChunks(dbc dbctx.Context, batch *domain.Batch, chunks []*domain.BatchChunk) error {
	if batch == nil {
		return fmt.Errorf("nil batch")
	}
	return r.handle(dbc).Transaction(func(txx *gorm.DB) error {
		if err := txx.Create(batch).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return txx.Create(&chunks).Error
	})
}

func (r *batchRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Batch, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var b domain.Batch
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&b).Error
	if err != nil {
		return nil, err
	}
	if b.ID == uuid.Nil {
		return nil, nil
	}
	return &b, nil
}

func (r *batchRepo) GetChunk(dbc dbctx.Context, id uuid.UUID) (*domain.BatchChunk, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var c domain.BatchChunk
	err := r.handle(dbc).Where("id = ?", id).Limit(1).Find(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == uuid.Nil {
		return nil, nil
	}
	return &c, nil
}

func (r *batchRepo) GetChunkByIndex(dbc dbctx.Context, batchID uuid.UUID, index int) (*domain.BatchChunk, error) {
	if batchID == uuid.Nil {
		return nil, nil
	}
	var c domain.BatchChunk
	err := r.handle(dbc).
		Where("batch_id = ? AND chunk_index = ?", batchID, index).
		Limit(1).
		Find(&c).Error
	if err != nil {
		return nil, err
	}
	if c.ID == uuid.Nil {
		return nil, nil
	}
	return &c, nil
}

func (r *batchRepo) ListChunks(dbc dbctx.Context, batchID uuid.UUID) ([]*domain.BatchChunk, error) {
	var out []*domain.BatchChunk
	if batchID == uuid.Nil {
		return out, nil
	}
	err := r.handle(dbc).
		Where("batch_id = ?", batchID).
		Order("chunk_index ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *batchRepo) CompleteChunk(dbc dbctx.Context, chunkID uuid.UUID, out ChunkOutcome, sampleLimit int) (bool, bool, error) {
	if chunkID == uuid.Nil {
		return false, false, fmt.Errorf("missing chunk id")
	}
	var applied, batchDone bool
	err := r.handle(dbc).Transaction(func(txx *gorm.DB) error {
		var chunk domain.BatchChunk
		q := txx
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.Where("id = ?", chunkID).First(&chunk).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("chunk %s not found", chunkID)
			}
			return err
		}
		if chunk.Status != domain.ChunkStatusPending {
			// Redelivered chunk job already reported; keep the first outcome.
			return nil
		}

		now := time.Now().UTC()
		status := domain.ChunkStatusSucceeded
		if out.Failed > 0 {
			status = domain.ChunkStatusFailed
		}
		chunkSamples, err := marshalSamples(out.Samples, sampleLimit)
		if err != nil {
			return err
		}
		if err := txx.Model(&domain.BatchChunk{}).
			Where("id = ?", chunk.ID).
			Updates(map[string]interface{}{
				"status":          status,
				"succeeded":       out.Succeeded,
				"failed":          out.Failed,
				"failure_samples": chunkSamples,
				"updated_at":      now,
			}).Error; err != nil {
			return err
		}

		var batch domain.Batch
		bq := txx
		if txx.Dialector.Name() == "postgres" {
			bq = bq.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := bq.Where("id = ?", chunk.BatchID).First(&batch).Error; err != nil {
			return err
		}

		batch.ChunksDone++
		batch.Succeeded += out.Succeeded
		batch.Failed += out.Failed
		batch.PendingUnits -= out.Succeeded + out.Failed
		if batch.PendingUnits < 0 {
			batch.PendingUnits = 0
		}
		merged, err := mergeSamples(batch.FailureSamples, out.Samples, sampleLimit)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{
			"chunks_done":     batch.ChunksDone,
			"succeeded":       batch.Succeeded,
			"failed":          batch.Failed,
			"pending_units":   batch.PendingUnits,
			"failure_samples": merged,
			"updated_at":      now,
		}
		if batch.ChunksDone >= batch.ChunksTotal && batch.Status == domain.BatchStatusInProgress {
			updates["status"] = domain.BatchStatusCompleted
			updates["completed_at"] = now
			batchDone = true
		}
		if err := txx.Model(&domain.Batch{}).
			Where("id = ?", batch.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return applied, batchDone, nil
}

func (r *batchRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.handle(dbc).
		Model(&domain.Batch{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *batchRepo) Recent(dbc dbctx.Context, limit int) ([]*domain.Batch, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*domain.Batch
	err := r.handle(dbc).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func marshalSamples(samples []domain.UnitFailure, limit int) (datatypes.JSON, error) {
	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}
	if samples == nil {
		samples = []domain.UnitFailure{}
	}
	b, err := json.Marshal(samples)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func mergeSamples(existing datatypes.JSON, add []domain.UnitFailure, limit int) (datatypes.JSON, error) {
	var cur []domain.UnitFailure
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &cur); err != nil {
			cur = nil
		}
	}
	cur = append(cur, add...)
	return marshalSamples(cur, limit)
}
