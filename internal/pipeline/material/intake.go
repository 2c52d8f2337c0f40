package material

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/pipeline"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/bucket"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
)

// DefaultMaxUploadBytes caps a single material upload.
const DefaultMaxUploadBytes = 1 << 30

var allowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"text/plain":      true,
	"text/markdown":   true,
	"video/mp4":       true,
	"application/zip": true,
}

// Upload is one material handed in by the caller.
type Upload struct {
	CourseID    uuid.UUID
	Title       string
	FileName    string
	ContentType string
	Size        int64
	Content     io.Reader
	OwnerEmail  string
}

/*
Intake is the synchronous front of the material pipeline. It validates
the upload while the caller is still on the line, stages the raw bytes,
and only then starts the run; a rejected upload leaves no material row,
no run and no job behind.
*/
type Intake struct {
	d        Deps
	orch     *pipeline.Orchestrator
	maxBytes int64
}

func NewIntake(d Deps, orch *pipeline.Orchestrator, maxBytes int64) *Intake {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Intake{d: d, orch: orch, maxBytes: maxBytes}
}

// Submit validates, stages and launches one upload. Validation failures
// come back as ValidationError before anything is persisted.
func (in *Intake) Submit(dbc dbctx.Context, up Upload) (*domain.Material, *domain.PipelineRun, error) {
	if err := in.validate(dbc, up); err != nil {
		return nil, nil, err
	}

	fileName := strings.TrimSpace(up.FileName)
	title := strings.TrimSpace(up.Title)
	if title == "" {
		title = fileName
	}
	mat, err := in.d.Materials.Create(dbc, &domain.Material{
		ID:          uuid.New(),
		CourseID:    up.CourseID,
		Title:       title,
		FileName:    fileName,
		ContentType: up.ContentType,
		SizeBytes:   up.Size,
		Status:      domain.MaterialStatusPending,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create material: %w", err)
	}

	staging := StagingKey(mat.ID.String())
	if err := in.d.Store.Upload(dbc.Ctx, bucket.Private, staging, up.Content, up.Size, up.ContentType); err != nil {
		in.abandon(dbc, mat.ID)
		return nil, nil, apperr.Transient("stage upload", err)
	}

	run, err := in.orch.StartRun(dbc, ArtifactType, mat.ID, up.CourseID, up.OwnerEmail)
	if err != nil {
		in.abandon(dbc, mat.ID)
		return nil, nil, err
	}
	in.d.Log.Info("material accepted",
		"material_id", mat.ID, "course_id", up.CourseID, "run_id", run.ID, "size", up.Size)
	return mat, run, nil
}

func (in *Intake) validate(dbc dbctx.Context, up Upload) error {
	if up.CourseID == uuid.Nil {
		return apperr.Validation("course_id", "course is required")
	}
	name := strings.TrimSpace(up.FileName)
	if name == "" || name != path.Base(name) {
		return apperr.Validation("file_name", "a bare file name is required")
	}
	if !allowedContentTypes[up.ContentType] {
		return apperr.Validation("content_type", "unsupported content type "+up.ContentType)
	}
	if up.Size <= 0 {
		return apperr.Validation("size", "upload is empty")
	}
	if up.Size > in.maxBytes {
		return apperr.Validation("size", fmt.Sprintf("upload exceeds %d bytes", in.maxBytes))
	}
	if up.Content == nil {
		return apperr.Validation("content", "upload body is required")
	}
	course, err := in.d.Courses.GetByID(dbc, up.CourseID)
	if err != nil {
		return apperr.Transient("load course", err)
	}
	if course == nil {
		return apperr.Validation("course_id", "unknown course "+up.CourseID.String())
	}
	return nil
}

// abandon marks a half-staged material failed so operators can see it;
// the run never started, so nothing will pick it up.
func (in *Intake) abandon(dbc dbctx.Context, id uuid.UUID) {
	if err := in.d.Materials.UpdateFields(dbc, id, map[string]any{
		"status": domain.MaterialStatusFailed,
	}); err != nil {
		in.d.Log.Warn("abandoned material not marked failed", "material_id", id, "error", err)
	}
}
