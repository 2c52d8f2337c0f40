package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/data/repos/courses"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/queue"
	"github.com/tmardale/coursehub-backend/internal/services"
)

// ReminderUnit asks for one deadline reminder.
type ReminderUnit struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	StudentEmail string    `json:"student_email"`
}

// ReminderHandler queues deadline reminder emails on the low queue.
// An assignment whose deadline already passed is skipped, not failed.
type ReminderHandler struct {
	assignments courses.AssignmentRepo
	coursesRepo courses.CourseRepo
	engine      *queue.Engine
}

func NewReminderHandler(assignments courses.AssignmentRepo, coursesRepo courses.CourseRepo, engine *queue.Engine) *ReminderHandler {
	return &ReminderHandler{assignments: assignments, coursesRepo: coursesRepo, engine: engine}
}

func (h *ReminderHandler) Kind() string  { return domain.BatchKindReminders }
func (h *ReminderHandler) Queue() string { return domain.QueueLow }

func (h *ReminderHandler) Execute(ctx context.Context, raw json.RawMessage) error {
	var unit ReminderUnit
	if err := json.Unmarshal(raw, &unit); err != nil {
		return apperr.Validation("unit", "not a reminder request: "+err.Error())
	}
	if unit.AssignmentID == uuid.Nil || unit.StudentEmail == "" {
		return apperr.Validation("unit", "assignment_id and student_email are required")
	}
	dbc := dbctx.Context{Ctx: ctx}

	assignment, err := h.assignments.GetByID(dbc, unit.AssignmentID)
	if err != nil {
		return apperr.Transient("load assignment", err)
	}
	if assignment == nil {
		return apperr.Validation("assignment_id", "assignment does not exist")
	}
	if assignment.DeadlineAt == nil || assignment.DeadlineAt.Before(time.Now().UTC()) {
		return nil
	}
	course, err := h.coursesRepo.GetByID(dbc, assignment.CourseID)
	if err != nil {
		return apperr.Transient("load course", err)
	}
	courseTitle := ""
	if course != nil {
		courseTitle = course.Title
	}

	_, err = h.engine.Enqueue(dbc, domain.QueueEmails, services.EmailJobType, services.EmailPayload{
		Template: services.TemplateDeadlineReminder,
		To:       unit.StudentEmail,
		Data: map[string]string{
			"course_title":     courseTitle,
			"assignment_title": assignment.Title,
			"due_at":           assignment.DeadlineAt.UTC().Format(time.RFC3339),
		},
	}, queue.Options{
		IdempotencyKey: fmt.Sprintf("remind:%s:%s", unit.AssignmentID, unit.StudentEmail),
	})
	return err
}
