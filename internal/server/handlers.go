package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tmardale/coursehub-backend/internal/batch"
	"github.com/tmardale/coursehub-backend/internal/cache"
	"github.com/tmardale/coursehub-backend/internal/data/repos/batches"
	"github.com/tmardale/coursehub-backend/internal/data/repos/jobs"
	"github.com/tmardale/coursehub-backend/internal/data/repos/pipelines"
	"github.com/tmardale/coursehub-backend/internal/pipeline"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
	"github.com/tmardale/coursehub-backend/internal/services"
)

// OpsHandler serves the operator surface: queue depths, batch and run
// lookups, cache invalidation and warming.
type OpsHandler struct {
	jobs   jobs.JobRepo
	runs   pipelines.PipelineRunRepo
	bat    batches.BatchRepo
	orch   *pipeline.Orchestrator
	coord  *batch.Coordinator
	cacheC *cache.Coordinator
	warmer *services.CacheWarmer
	log    *logger.Logger
}

func NewOpsHandler(
	jobRepo jobs.JobRepo,
	runRepo pipelines.PipelineRunRepo,
	batchRepo batches.BatchRepo,
	orch *pipeline.Orchestrator,
	coord *batch.Coordinator,
	cacheCoord *cache.Coordinator,
	warmer *services.CacheWarmer,
	log *logger.Logger,
) *OpsHandler {
	return &OpsHandler{
		jobs:   jobRepo,
		runs:   runRepo,
		bat:    batchRepo,
		orch:   orch,
		coord:  coord,
		cacheC: cacheCoord,
		warmer: warmer,
		log:    log.With("component", "ops"),
	}
}

func (h *OpsHandler) Status(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	counts, err := h.jobs.CountByQueueAndStatus(dbc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	recentBatches, err := h.bat.Recent(dbc, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	recentRuns, err := h.runs.Recent(dbc, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queues":  counts,
		"batches": recentBatches,
		"runs":    recentRuns,
	})
}

func (h *OpsHandler) GetBatch(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return
	}
	b, err := h.coord.GetBatch(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		if err == apperr.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *OpsHandler) CancelBatch(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return
	}
	if err := h.coord.Cancel(dbctx.Context{Ctx: c.Request.Context()}, id); err != nil {
		if err == apperr.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		if apperr.IsValidation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

func (h *OpsHandler) GetRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	run, err := h.orch.GetRun(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		if err == apperr.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *OpsHandler) CancelRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	if err := h.orch.CancelRun(dbctx.Context{Ctx: c.Request.Context()}, id); err != nil {
		if apperr.IsValidation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

func (h *OpsHandler) InvalidateCache(c *gin.Context) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Tags) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tags list is required"})
		return
	}
	n, err := h.cacheC.InvalidateTags(c.Request.Context(), req.Tags)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.log.Info("cache invalidated by operator", "tags", req.Tags, "keys", n)
	c.JSON(http.StatusOK, gin.H{"invalidated_keys": n})
}

func (h *OpsHandler) WarmCache(c *gin.Context) {
	var req struct {
		CourseIDs []uuid.UUID `json:"course_ids"`
		Top       int         `json:"top"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.CourseIDs) > 0 {
		if err := h.warmer.WarmCourses(c.Request.Context(), req.CourseIDs); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"warmed_courses": len(req.CourseIDs)})
		return
	}
	top := req.Top
	if top <= 0 {
		top = 10
	}
	n, err := h.warmer.WarmTopCourses(c.Request.Context(), top)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"warmed_courses": n})
}
