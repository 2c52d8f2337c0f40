package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/data/repos/batches"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/observability"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
	"github.com/tmardale/coursehub-backend/internal/queue"
)

const chunkJobType = "batch_chunk"

// UnitHandler processes one unit of a batch kind. Unit errors are
// recorded, never propagated past the unit: a bad row cannot sink its
// chunk or batch.
type UnitHandler interface {
	Kind() string
	// Queue names the job class chunks of this kind run on.
	Queue() string
	Execute(ctx context.Context, unit json.RawMessage) error
}

type SubmitOptions struct {
	// ChunkSize overrides the configured default when > 0.
	ChunkSize int
}

/*
Coordinator fans a bulk operation out into chunk jobs and folds their
outcomes back into one batch row. Chunks complete in any order; the
batch is done when every chunk has reported, regardless of unit failures.
*/
type Coordinator struct {
	repo             batches.BatchRepo
	engine           *queue.Engine
	log              *logger.Logger
	metrics          *observability.Metrics
	handlers         map[string]UnitHandler
	defaultChunkSize int
	sampleLimit      int
}

func NewCoordinator(repo batches.BatchRepo, engine *queue.Engine, log *logger.Logger, metrics *observability.Metrics, defaultChunkSize, sampleLimit int) *Coordinator {
	if defaultChunkSize <= 0 {
		defaultChunkSize = 100
	}
	if sampleLimit <= 0 {
		sampleLimit = 20
	}
	return &Coordinator{
		repo:             repo,
		engine:           engine,
		log:              log.With("component", "batch"),
		metrics:          metrics,
		handlers:         make(map[string]UnitHandler),
		defaultChunkSize: defaultChunkSize,
		sampleLimit:      sampleLimit,
	}
}

func (c *Coordinator) RegisterHandler(h UnitHandler) error {
	if h == nil || h.Kind() == "" {
		return fmt.Errorf("invalid unit handler")
	}
	if _, exists := c.handlers[h.Kind()]; exists {
		return fmt.Errorf("unit handler already registered for kind=%s", h.Kind())
	}
	c.handlers[h.Kind()] = h
	return nil
}

func (c *Coordinator) MustRegisterHandler(h UnitHandler) {
	if err := c.RegisterHandler(h); err != nil {
		panic(err)
	}
}

// ChunkJobHandler returns the queue handler executing chunk jobs.
// Register it once on the worker registry.
func (c *Coordinator) ChunkJobHandler() queue.Handler {
	return &chunkJob{c: c}
}

// SubmitBatch persists the batch with its chunk rows and enqueues one job
// per chunk, each stamped with the batch ID and keyed batch:<id>:chunk:<n>.
func (c *Coordinator) SubmitBatch(dbc dbctx.Context, kind string, units []json.RawMessage, opts SubmitOptions) (*domain.Batch, error) {
	handler, ok := c.handlers[kind]
	if !ok {
		return nil, apperr.Validation("kind", "no handler for batch kind "+kind)
	}
	if len(units) == 0 {
		return nil, apperr.Validation("units", "batch needs at least one unit")
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = c.defaultChunkSize
	}

	batchID := uuid.New()
	var chunks []*domain.BatchChunk
	for i := 0; i < len(units); i += chunkSize {
		end := i + chunkSize
		if end > len(units) {
			end = len(units)
		}
		encoded, err := json.Marshal(units[i:end])
		if err != nil {
			return nil, apperr.Validation("units", "not serializable: "+err.Error())
		}
		chunks = append(chunks, &domain.BatchChunk{
			ID:        uuid.New(),
			BatchID:   batchID,
			Index:     len(chunks),
			Units:     encoded,
			UnitCount: end - i,
			Status:    domain.ChunkStatusPending,
		})
	}

	batch := &domain.Batch{
		ID:           batchID,
		Kind:         kind,
		Queue:        handler.Queue(),
		TotalUnits:   len(units),
		ChunkSize:    chunkSize,
		ChunksTotal:  len(chunks),
		PendingUnits: len(units),
		Status:       domain.BatchStatusInProgress,
	}
	if err := c.repo.CreateWithChunks(dbc, batch, chunks); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	for _, chunk := range chunks {
		_, err := c.engine.Enqueue(dbc, handler.Queue(), chunkJobType, chunkPayload{
			BatchID: batchID,
			ChunkID: chunk.ID,
			Index:   chunk.Index,
		}, queue.Options{
			IdempotencyKey: fmt.Sprintf("batch:%s:chunk:%d", batchID, chunk.Index),
			BatchID:        &batchID,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue chunk %d: %w", chunk.Index, err)
		}
	}
	c.log.Info("batch submitted",
		"batch_id", batchID, "kind", kind, "units", len(units), "chunks", len(chunks), "queue", handler.Queue())
	return batch, nil
}

// GetBatch returns the batch row for the status surface.
func (c *Coordinator) GetBatch(dbc dbctx.Context, id uuid.UUID) (*domain.Batch, error) {
	b, err := c.repo.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, apperr.ErrNotFound
	}
	return b, nil
}

// Cancel stops chunks that have not started. In-flight chunks finish and
// their outcomes are still folded in.
func (c *Coordinator) Cancel(dbc dbctx.Context, id uuid.UUID) error {
	b, err := c.repo.GetByID(dbc, id)
	if err != nil {
		return err
	}
	if b == nil {
		return apperr.ErrNotFound
	}
	if b.Status != domain.BatchStatusInProgress {
		return apperr.Validation("status", "batch already "+b.Status)
	}
	if err := c.repo.UpdateFields(dbc, id, map[string]any{"status": domain.BatchStatusCancelled}); err != nil {
		return err
	}
	c.log.Info("batch cancelled", "batch_id", id)
	return nil
}

type chunkPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
	ChunkID uuid.UUID `json:"chunk_id"`
	Index   int       `json:"index"`
}

type chunkJob struct {
	c *Coordinator
}

func (j *chunkJob) Type() string { return chunkJobType }

func (j *chunkJob) Run(jc *queue.Context) error {
	var p chunkPayload
	if err := jc.BindPayload(&p); err != nil {
		return err
	}
	return j.c.executeChunk(jc, p)
}

func (c *Coordinator) executeChunk(jc *queue.Context, p chunkPayload) error {
	dbc := dbctx.Context{Ctx: jc.Ctx}
	chunk, err := c.repo.GetChunk(dbc, p.ChunkID)
	if err != nil {
		return apperr.Transient("load chunk", err)
	}
	if chunk == nil {
		return apperr.Terminal("chunk missing", fmt.Errorf("chunk_id=%s", p.ChunkID))
	}
	if chunk.Status != domain.ChunkStatusPending {
		jc.Succeed(map[string]any{"skipped": "chunk already reported"})
		return nil
	}
	batch, err := c.repo.GetByID(dbc, chunk.BatchID)
	if err != nil {
		return apperr.Transient("load batch", err)
	}
	if batch == nil {
		return apperr.Terminal("batch missing", fmt.Errorf("batch_id=%s", chunk.BatchID))
	}
	if batch.Status == domain.BatchStatusCancelled {
		jc.Succeed(map[string]any{"skipped": "batch cancelled"})
		return nil
	}
	handler, ok := c.handlers[batch.Kind]
	if !ok {
		return apperr.Terminal("no unit handler", fmt.Errorf("kind=%s", batch.Kind))
	}

	var units []json.RawMessage
	if err := json.Unmarshal(chunk.Units, &units); err != nil {
		return apperr.Terminal("decode units", err)
	}

	start := time.Now()
	out := batches.ChunkOutcome{}
	for i, unit := range units {
		if uerr := handler.Execute(jc.Ctx, unit); uerr != nil {
			out.Failed++
			out.Samples = append(out.Samples, domain.UnitFailure{
				ChunkIndex: chunk.Index,
				UnitIndex:  i,
				Error:      uerr.Error(),
			})
		} else {
			out.Succeeded++
		}
		if i%50 == 0 {
			jc.Heartbeat()
		}
	}

	applied, batchDone, err := c.repo.CompleteChunk(dbc, chunk.ID, out, c.sampleLimit)
	if err != nil {
		return apperr.Transient("complete chunk", err)
	}
	if applied {
		c.metrics.BatchUnits(batch.Kind, "succeeded", out.Succeeded)
		c.metrics.BatchUnits(batch.Kind, "failed", out.Failed)
	}
	if batchDone {
		c.log.Info("batch completed", "batch_id", batch.ID, "kind", batch.Kind)
	}
	c.log.Info("chunk processed",
		"batch_id", batch.ID, "chunk_index", chunk.Index,
		"succeeded", out.Succeeded, "failed", out.Failed, "elapsed", time.Since(start))
	jc.Succeed(map[string]any{"succeeded": out.Succeeded, "failed": out.Failed})
	return nil
}
