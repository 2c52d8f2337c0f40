package material

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/data/repos/testutil"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/bucket"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
)

func (f *ingestFixture) countRows(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	if err := f.gdb.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestIntakeRejectedUploadLeavesNothingBehind(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	course := testutil.SeedCourse(t, ctx, f.gdb, "Ceramics")

	bad := []Upload{
		{CourseID: uuid.Nil, FileName: "notes.pdf", ContentType: "application/pdf", Size: 4, Content: bytes.NewReader([]byte("data"))},
		{CourseID: course.ID, FileName: "", ContentType: "application/pdf", Size: 4, Content: bytes.NewReader([]byte("data"))},
		{CourseID: course.ID, FileName: "../escape.pdf", ContentType: "application/pdf", Size: 4, Content: bytes.NewReader([]byte("data"))},
		{CourseID: course.ID, FileName: "virus.exe", ContentType: "application/x-msdownload", Size: 4, Content: bytes.NewReader([]byte("data"))},
		{CourseID: course.ID, FileName: "empty.pdf", ContentType: "application/pdf", Size: 0, Content: bytes.NewReader(nil)},
		{CourseID: uuid.New(), FileName: "orphan.pdf", ContentType: "application/pdf", Size: 4, Content: bytes.NewReader([]byte("data"))},
	}
	for i, up := range bad {
		if _, _, err := f.intake.Submit(dbctx.Background(), up); !apperr.IsValidation(err) {
			t.Fatalf("upload %d: err = %v, want validation error", i, err)
		}
	}

	if n := f.countRows(t, &domain.Material{}); n != 0 {
		t.Fatalf("%d material rows after rejected uploads", n)
	}
	if n := f.countRows(t, &domain.PipelineRun{}); n != 0 {
		t.Fatalf("%d runs after rejected uploads", n)
	}
	if n := f.countRows(t, &domain.Job{}); n != 0 {
		t.Fatalf("%d jobs after rejected uploads", n)
	}
}

func TestIntakeOversizeUploadRejected(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	course := testutil.SeedCourse(t, ctx, f.gdb, "Film")
	f.intake.maxBytes = 8

	raw := []byte("way past the configured cap")
	_, _, err := f.intake.Submit(dbctx.Background(), Upload{
		CourseID:    course.ID,
		FileName:    "lecture.mp4",
		ContentType: "video/mp4",
		Size:        int64(len(raw)),
		Content:     bytes.NewReader(raw),
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if n := f.countRows(t, &domain.PipelineRun{}); n != 0 {
		t.Fatalf("%d runs after oversize upload", n)
	}
}

func TestIntakeStagesUploadAndRunsPipeline(t *testing.T) {
	f := newIngestFixture(t)
	ctx := context.Background()
	course := testutil.SeedCourse(t, ctx, f.gdb, "Photography")
	testutil.SeedEnrollment(t, ctx, f.gdb, course.ID, "lena@example.edu")

	raw := []byte("png bytes")
	mat, run, err := f.intake.Submit(dbctx.Background(), Upload{
		CourseID:    course.ID,
		Title:       "Week 1 slides",
		FileName:    "slides.png",
		ContentType: "image/png",
		Size:        int64(len(raw)),
		Content:     bytes.NewReader(raw),
		OwnerEmail:  "owner@example.edu",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if mat.Status != domain.MaterialStatusPending {
		t.Fatalf("material status at intake = %s, want pending", mat.Status)
	}
	if _, err := f.store.Stat(ctx, bucket.Private, StagingKey(mat.ID.String())); err != nil {
		t.Fatalf("staged object missing: %v", err)
	}
	if run.ArtifactID != mat.ID || run.Status != domain.RunStatusInProgress {
		t.Fatalf("run = %+v", run)
	}

	f.drain(t)

	gotRun, err := f.runs.GetByID(dbctx.Background(), run.ID)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if gotRun.Status != domain.RunStatusCompleted {
		t.Fatalf("run status = %s, last_error = %s", gotRun.Status, gotRun.LastError)
	}
	gotMat, err := f.materials.GetByID(dbctx.Background(), mat.ID)
	if err != nil {
		t.Fatalf("load material: %v", err)
	}
	if gotMat.Status != domain.MaterialStatusAvailable {
		t.Fatalf("material status = %s, want available", gotMat.Status)
	}
	if gotMat.Title != "Week 1 slides" || gotMat.FileName != "slides.png" {
		t.Fatalf("material row: title=%q file=%q", gotMat.Title, gotMat.FileName)
	}
}
