package material

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/cache"
	"github.com/tmardale/coursehub-backend/internal/data/repos/courses"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/pipeline"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/bucket"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
	"github.com/tmardale/coursehub-backend/internal/queue"
	"github.com/tmardale/coursehub-backend/internal/services"
	"gorm.io/datatypes"
)

const ArtifactType = "course_material"

// StagingKey is where the synchronous upload parks the raw file before
// the pipeline picks it up.
func StagingKey(materialID string) string { return "staging/" + materialID }

// FinalKey is the material's permanent location in the private bucket.
func FinalKey(courseID, materialID string) string {
	return fmt.Sprintf("materials/%s/%s", courseID, materialID)
}

func thumbnailKey(materialID string) string { return "thumbnails/" + materialID + ".png" }

// MetadataExtractor derives indexable attributes from a stored file.
type MetadataExtractor interface {
	Extract(ctx context.Context, info *bucket.ObjectInfo, r io.Reader) (map[string]any, error)
}

// Thumbnailer renders a preview image, or returns a terminal error for
// content it cannot preview.
type Thumbnailer interface {
	Render(ctx context.Context, contentType string, r io.Reader) ([]byte, error)
}

// Deps is everything the material stages share.
type Deps struct {
	Materials   courses.MaterialRepo
	Enrollments courses.EnrollmentRepo
	Courses     courses.CourseRepo
	Store       bucket.Service
	Engine      *queue.Engine
	Extractor   MetadataExtractor
	Thumbnailer Thumbnailer
	Log         *logger.Logger
}

// Definition assembles the material ingest pipeline. Thumbnailing is not
// required: a material without a preview is still served.
func Definition(d Deps) pipeline.Definition {
	return pipeline.Definition{
		ArtifactType: ArtifactType,
		Queue:        domain.QueueDefault,
		Stages: []pipeline.StageSpec{
			{Handler: &uploadStage{d}, Required: true},
			{Handler: &metadataStage{d}, Required: true,
				Tags: func(run *domain.PipelineRun) []string {
					return []string{cache.TagMaterial(run.ArtifactID)}
				}},
			{Handler: &thumbnailStage{d}, Required: false,
				Tags: func(run *domain.PipelineRun) []string {
					return []string{cache.TagMaterial(run.ArtifactID)}
				}},
			{Handler: &notifyStage{d}, Required: true},
		},
		CompletionTags: func(run *domain.PipelineRun) []string {
			return []string{cache.TagCourseMaterials(run.CourseID)}
		},
		OnFailure: func(ctx context.Context, run *domain.PipelineRun, stageName string, stageErr error) {
			markFailed(ctx, d, run, stageName, stageErr)
		},
	}
}

func markFailed(ctx context.Context, d Deps, run *domain.PipelineRun, stageName string, stageErr error) {
	dbc := dbctx.Context{Ctx: ctx}
	if err := d.Materials.UpdateFields(dbc, run.ArtifactID, map[string]any{
		"status": domain.MaterialStatusFailed,
	}); err != nil {
		d.Log.Warn("material failed-status update lost", "material_id", run.ArtifactID, "error", err)
	}
	if run.OwnerEmail == "" {
		return
	}
	_, err := d.Engine.Enqueue(dbc, domain.QueueEmails, services.EmailJobType, services.EmailPayload{
		Template: services.TemplateMaterialFailed,
		To:       run.OwnerEmail,
		Data: map[string]string{
			"file_name": run.ArtifactID.String(),
			"reason":    fmt.Sprintf("%s stage: %v", stageName, stageErr),
		},
	}, queue.Options{IdempotencyKey: fmt.Sprintf("run:%s:failure_mail", run.ID)})
	if err != nil {
		d.Log.Warn("failure notification not enqueued", "run_id", run.ID, "error", err)
	}
}

// uploadStage moves the staged object to its permanent key and records
// the real size and content type on the material row.
type uploadStage struct{ d Deps }

func (s *uploadStage) Name() string { return "upload" }

func (s *uploadStage) Run(ctx context.Context, run *domain.PipelineRun) error {
	dbc := dbctx.Context{Ctx: ctx}
	mat, err := s.d.Materials.GetByID(dbc, run.ArtifactID)
	if err != nil {
		return apperr.Transient("load material", err)
	}
	if mat == nil {
		return apperr.Terminal("material missing", fmt.Errorf("material_id=%s", run.ArtifactID))
	}

	final := FinalKey(run.CourseID.String(), mat.ID.String())
	staging := StagingKey(mat.ID.String())

	// Re-running after a crash: the final object may already be in place.
	if info, serr := s.d.Store.Stat(ctx, bucket.Private, final); serr == nil {
		return s.record(dbc, mat.ID, final, info)
	}

	info, err := s.d.Store.Stat(ctx, bucket.Private, staging)
	if err != nil {
		if err == apperr.ErrNotFound {
			return apperr.Terminal("staged upload missing", fmt.Errorf("key=%s", staging))
		}
		return err
	}
	r, err := s.d.Store.Download(ctx, bucket.Private, staging)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := s.d.Store.Upload(ctx, bucket.Private, final, r, info.Size, info.ContentType); err != nil {
		return err
	}
	if err := s.d.Store.Delete(ctx, bucket.Private, staging); err != nil {
		s.d.Log.Warn("staging object not cleaned", "key", staging, "error", err)
	}
	return s.record(dbc, mat.ID, final, info)
}

func (s *uploadStage) record(dbc dbctx.Context, id uuid.UUID, key string, info *bucket.ObjectInfo) error {
	err := s.d.Materials.UpdateFields(dbc, id, map[string]any{
		"object_key":   key,
		"size_bytes":   info.Size,
		"content_type": info.ContentType,
	})
	if err != nil {
		return apperr.Transient("record upload", err)
	}
	return nil
}

// metadataStage extracts attributes from the stored file.
type metadataStage struct{ d Deps }

func (s *metadataStage) Name() string { return "metadata" }

func (s *metadataStage) Run(ctx context.Context, run *domain.PipelineRun) error {
	dbc := dbctx.Context{Ctx: ctx}
	mat, err := s.d.Materials.GetByID(dbc, run.ArtifactID)
	if err != nil {
		return apperr.Transient("load material", err)
	}
	if mat == nil || mat.ObjectKey == "" {
		return apperr.Terminal("material has no object", fmt.Errorf("material_id=%s", run.ArtifactID))
	}
	info, err := s.d.Store.Stat(ctx, bucket.Private, mat.ObjectKey)
	if err != nil {
		return err
	}
	r, err := s.d.Store.Download(ctx, bucket.Private, mat.ObjectKey)
	if err != nil {
		return err
	}
	defer r.Close()

	attrs, err := s.d.Extractor.Extract(ctx, info, r)
	if err != nil {
		return err
	}
	encoded, err := encodeJSON(attrs)
	if err != nil {
		return apperr.Terminal("encode metadata", err)
	}
	if err := s.d.Materials.UpdateFields(dbc, mat.ID, map[string]any{"metadata": encoded}); err != nil {
		return apperr.Transient("store metadata", err)
	}
	return nil
}

// thumbnailStage renders a preview into the public bucket.
type thumbnailStage struct{ d Deps }

func (s *thumbnailStage) Name() string { return "thumbnail" }

func (s *thumbnailStage) Run(ctx context.Context, run *domain.PipelineRun) error {
	dbc := dbctx.Context{Ctx: ctx}
	mat, err := s.d.Materials.GetByID(dbc, run.ArtifactID)
	if err != nil {
		return apperr.Transient("load material", err)
	}
	if mat == nil || mat.ObjectKey == "" {
		return apperr.Terminal("material has no object", fmt.Errorf("material_id=%s", run.ArtifactID))
	}
	r, err := s.d.Store.Download(ctx, bucket.Private, mat.ObjectKey)
	if err != nil {
		return err
	}
	defer r.Close()

	img, err := s.d.Thumbnailer.Render(ctx, mat.ContentType, r)
	if err != nil {
		return err
	}
	key := thumbnailKey(mat.ID.String())
	if err := s.d.Store.Upload(ctx, bucket.Public, key, bytes.NewReader(img), int64(len(img)), "image/png"); err != nil {
		return err
	}
	if err := s.d.Materials.UpdateFields(dbc, mat.ID, map[string]any{"thumbnail_key": key}); err != nil {
		return apperr.Transient("store thumbnail key", err)
	}
	return nil
}

// notifyStage flips the material to available and fans out one email per
// enrolled student, deduplicated per material and recipient.
type notifyStage struct{ d Deps }

func (s *notifyStage) Name() string { return "notify" }

func (s *notifyStage) Run(ctx context.Context, run *domain.PipelineRun) error {
	dbc := dbctx.Context{Ctx: ctx}
	mat, err := s.d.Materials.GetByID(dbc, run.ArtifactID)
	if err != nil {
		return apperr.Transient("load material", err)
	}
	if mat == nil {
		return apperr.Terminal("material missing", fmt.Errorf("material_id=%s", run.ArtifactID))
	}
	course, err := s.d.Courses.GetByID(dbc, run.CourseID)
	if err != nil {
		return apperr.Transient("load course", err)
	}
	courseTitle := "your course"
	if course != nil {
		courseTitle = course.Title
	}

	if err := s.d.Materials.UpdateFields(dbc, mat.ID, map[string]any{
		"status": domain.MaterialStatusAvailable,
	}); err != nil {
		return apperr.Transient("mark available", err)
	}

	enrollments, err := s.d.Enrollments.FindByCourse(dbc, run.CourseID)
	if err != nil {
		return apperr.Transient("load roster", err)
	}
	for _, e := range enrollments {
		_, err := s.d.Engine.Enqueue(dbc, domain.QueueEmails, services.EmailJobType, services.EmailPayload{
			Template: services.TemplateMaterialReady,
			To:       e.StudentEmail,
			Data: map[string]string{
				"course_title": courseTitle,
				"file_name":    mat.FileName,
			},
		}, queue.Options{
			IdempotencyKey: fmt.Sprintf("material:%s:notify:%s", mat.ID, e.StudentEmail),
		})
		if err != nil {
			return apperr.Transient("enqueue notification", err)
		}
	}
	s.d.Log.Info("material published",
		"material_id", mat.ID, "course_id", run.CourseID, "notified", len(enrollments))
	return nil
}

func encodeJSON(v map[string]any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
