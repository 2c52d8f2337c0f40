package batch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/cache"
	"github.com/tmardale/coursehub-backend/internal/data/repos/courses"
	"github.com/tmardale/coursehub-backend/internal/data/repos/jobs"
	"github.com/tmardale/coursehub-backend/internal/data/repos/testutil"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/queue"
	"github.com/tmardale/coursehub-backend/internal/services"
	"gorm.io/gorm"
)

type handlerFixture struct {
	gdb         *gorm.DB
	engine      *queue.Engine
	coord       *cache.Coordinator
	enrollments courses.EnrollmentRepo
	courseRepo  courses.CourseRepo
	certs       courses.CertificateRepo
	assignments courses.AssignmentRepo
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	jobRepo := jobs.NewJobRepo(gdb, log)
	coord := cache.NewCoordinator(cache.NewStore(cache.NewMemoryBackend(), log, nil, time.Minute, 10*time.Second), log)

	t.Cleanup(func() {
		for _, m := range []any{&domain.Job{}, &domain.Enrollment{}, &domain.Certificate{}, &domain.Assignment{}, &domain.Course{}} {
			gdb.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m)
		}
	})
	return &handlerFixture{
		gdb:         gdb,
		engine:      queue.NewEngine(jobRepo, log, 3),
		coord:       coord,
		enrollments: courses.NewEnrollmentRepo(gdb, log),
		courseRepo:  courses.NewCourseRepo(gdb, log),
		certs:       courses.NewCertificateRepo(gdb, log),
		assignments: courses.NewAssignmentRepo(gdb, log),
	}
}

func (f *handlerFixture) emailCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.gdb.Model(&domain.Job{}).Where("job_type = ?", services.EmailJobType).Count(&n).Error; err != nil {
		t.Fatalf("count email jobs: %v", err)
	}
	return n
}

func dbcOf(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestEnrollmentHandlerEnrollsAndQueuesConfirmation(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	course := testutil.SeedCourse(t, ctx, f.gdb, "Statistics")
	h := NewEnrollmentHandler(f.enrollments, f.courseRepo, f.coord, f.engine)

	unit := mustJSON(t, EnrollmentUnit{StudentEmail: "zoe@example.edu", CourseID: course.ID, Semester: "2026S1"})
	if err := h.Execute(ctx, unit); err != nil {
		t.Fatalf("execute: %v", err)
	}
	count, _ := f.enrollments.CountByCourse(dbcOf(ctx), course.ID)
	if count != 1 {
		t.Fatalf("enrollments = %d", count)
	}
	if n := f.emailCount(t); n != 1 {
		t.Fatalf("email jobs = %d, want 1 confirmation", n)
	}

	// The same row again is a duplicate unit, and no second confirmation.
	err := h.Execute(ctx, unit)
	if !apperr.IsDuplicate(err) {
		t.Fatalf("repeat unit err = %v, want duplicate", err)
	}
	if n := f.emailCount(t); n != 1 {
		t.Fatalf("email jobs = %d after duplicate", n)
	}
}

func TestEnrollmentHandlerRejectsUnknownCourse(t *testing.T) {
	f := newHandlerFixture(t)
	h := NewEnrollmentHandler(f.enrollments, f.courseRepo, f.coord, f.engine)

	unit := mustJSON(t, EnrollmentUnit{StudentEmail: "zoe@example.edu", CourseID: uuid.New(), Semester: "2026S1"})
	if err := h.Execute(context.Background(), unit); !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCertificateHandlerIssuesOnce(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	course := testutil.SeedCourse(t, ctx, f.gdb, "Calculus")
	h := NewCertificateHandler(f.certs, f.courseRepo, f.engine)

	unit := mustJSON(t, CertificateUnit{CourseID: course.ID, StudentEmail: "leo@example.edu"})
	if err := h.Execute(ctx, unit); err != nil {
		t.Fatalf("execute: %v", err)
	}
	issued, err := f.certs.FindByCourse(dbcOf(ctx), course.ID)
	if err != nil || len(issued) != 1 {
		t.Fatalf("certificates = %d err = %v", len(issued), err)
	}
	if issued[0].SerialNo == "" {
		t.Fatalf("certificate without serial")
	}

	// Redelivered unit: no second certificate, no second announcement.
	if err := h.Execute(ctx, unit); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	issued, _ = f.certs.FindByCourse(dbcOf(ctx), course.ID)
	if len(issued) != 1 {
		t.Fatalf("certificates = %d after redelivery", len(issued))
	}
	if n := f.emailCount(t); n != 1 {
		t.Fatalf("email jobs = %d, want 1", n)
	}
}

func TestReminderHandlerSkipsPastDeadlines(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	course := testutil.SeedCourse(t, ctx, f.gdb, "History")
	h := NewReminderHandler(f.assignments, f.courseRepo, f.engine)

	now := time.Now().UTC()
	upcoming := testutil.SeedAssignment(t, ctx, f.gdb, course.ID, testutil.PtrTime(now.Add(48*time.Hour)))
	past := testutil.SeedAssignment(t, ctx, f.gdb, course.ID, testutil.PtrTime(now.Add(-time.Hour)))
	undated := testutil.SeedAssignment(t, ctx, f.gdb, course.ID, nil)

	if err := h.Execute(ctx, mustJSON(t, ReminderUnit{AssignmentID: upcoming.ID, StudentEmail: "kim@example.edu"})); err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if err := h.Execute(ctx, mustJSON(t, ReminderUnit{AssignmentID: past.ID, StudentEmail: "kim@example.edu"})); err != nil {
		t.Fatalf("past deadline must be a silent skip: %v", err)
	}
	if err := h.Execute(ctx, mustJSON(t, ReminderUnit{AssignmentID: undated.ID, StudentEmail: "kim@example.edu"})); err != nil {
		t.Fatalf("missing deadline must be a silent skip: %v", err)
	}
	if n := f.emailCount(t); n != 1 {
		t.Fatalf("email jobs = %d, want only the upcoming reminder", n)
	}

	err := h.Execute(ctx, mustJSON(t, ReminderUnit{AssignmentID: uuid.New(), StudentEmail: "kim@example.edu"}))
	if !apperr.IsValidation(err) {
		t.Fatalf("unknown assignment err = %v, want validation", err)
	}
}
