package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tmardale/coursehub-backend/internal/pipeline/material"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

// MaterialHandler accepts course material uploads and hands them to the
// intake, which validates before any run or job is created.
type MaterialHandler struct {
	intake *material.Intake
	log    *logger.Logger
}

func NewMaterialHandler(intake *material.Intake, log *logger.Logger) *MaterialHandler {
	return &MaterialHandler{intake: intake, log: log.With("component", "materials")}
}

func (h *MaterialHandler) Upload(c *gin.Context) {
	courseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid course id"})
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file part is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	mat, run, err := h.intake.Submit(dbctx.Context{Ctx: c.Request.Context()}, material.Upload{
		CourseID:    courseID,
		Title:       c.PostForm("title"),
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Content:     f,
		OwnerEmail:  c.PostForm("owner_email"),
	})
	if err != nil {
		if apperr.IsValidation(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("material upload failed", "course_id", courseID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"material_id": mat.ID, "run_id": run.ID})
}
