package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/cache"
	"github.com/tmardale/coursehub-backend/internal/data/repos/courses"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/queue"
	"github.com/tmardale/coursehub-backend/internal/services"
)

// EnrollmentUnit is one row of a bulk enrollment upload.
type EnrollmentUnit struct {
	StudentEmail string    `json:"student_email"`
	CourseID     uuid.UUID `json:"course_id"`
	Semester     string    `json:"semester"`
}

/*
EnrollmentHandler enrolls students by natural key. A duplicate enrollment
is reported as a failed unit so the operator sees it in the samples, but
it never stops the chunk. Successful enrollment invalidates the course
roster and queues a confirmation email.
*/
type EnrollmentHandler struct {
	enrollments courses.EnrollmentRepo
	coursesRepo courses.CourseRepo
	coord       *cache.Coordinator
	engine      *queue.Engine
}

func NewEnrollmentHandler(enrollments courses.EnrollmentRepo, coursesRepo courses.CourseRepo, coord *cache.Coordinator, engine *queue.Engine) *EnrollmentHandler {
	return &EnrollmentHandler{
		enrollments: enrollments,
		coursesRepo: coursesRepo,
		coord:       coord,
		engine:      engine,
	}
}

func (h *EnrollmentHandler) Kind() string  { return domain.BatchKindEnrollment }
func (h *EnrollmentHandler) Queue() string { return domain.QueueCritical }

func (h *EnrollmentHandler) Execute(ctx context.Context, raw json.RawMessage) error {
	var unit EnrollmentUnit
	if err := json.Unmarshal(raw, &unit); err != nil {
		return apperr.Validation("unit", "not an enrollment: "+err.Error())
	}
	if unit.StudentEmail == "" || unit.CourseID == uuid.Nil || unit.Semester == "" {
		return apperr.Validation("unit", "student_email, course_id and semester are required")
	}
	dbc := dbctx.Context{Ctx: ctx}

	course, err := h.coursesRepo.GetByID(dbc, unit.CourseID)
	if err != nil {
		return apperr.Transient("load course", err)
	}
	if course == nil {
		return apperr.Validation("course_id", "course does not exist")
	}

	if _, err := h.enrollments.Upsert(dbc, &domain.Enrollment{
		ID:           uuid.New(),
		StudentEmail: unit.StudentEmail,
		CourseID:     unit.CourseID,
		Semester:     unit.Semester,
	}); err != nil {
		// Duplicates come back as DuplicateError and count as failed
		// units; the chunk carries on.
		return err
	}

	h.coord.RosterChanged(ctx, unit.CourseID)

	_, err = h.engine.Enqueue(dbc, domain.QueueEmails, services.EmailJobType, services.EmailPayload{
		Template: services.TemplateEnrollmentConfirmed,
		To:       unit.StudentEmail,
		Data: map[string]string{
			"course_title": course.Title,
			"semester":     unit.Semester,
		},
	}, queue.Options{
		IdempotencyKey: fmt.Sprintf("enroll:%s:%s:%s:mail", unit.CourseID, unit.StudentEmail, unit.Semester),
	})
	if err != nil {
		// The enrollment stands; only the confirmation is lost.
		return nil
	}
	return nil
}
