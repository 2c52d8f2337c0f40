package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/data/repos/courses"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/queue"
	"github.com/tmardale/coursehub-backend/internal/services"
)

// CertificateUnit is one certificate issuance request.
type CertificateUnit struct {
	CourseID     uuid.UUID `json:"course_id"`
	StudentEmail string    `json:"student_email"`
}

/*
CertificateHandler issues one certificate per (course, student) and
queues the announcement mail. A re-run finds the existing row and skips
the second issue, so a redelivered chunk cannot double-issue. Mail volume
is bounded by the engine's mailer window, not by chunk size.
*/
type CertificateHandler struct {
	certs       courses.CertificateRepo
	coursesRepo courses.CourseRepo
	engine      *queue.Engine
}

func NewCertificateHandler(certs courses.CertificateRepo, coursesRepo courses.CourseRepo, engine *queue.Engine) *CertificateHandler {
	return &CertificateHandler{certs: certs, coursesRepo: coursesRepo, engine: engine}
}

func (h *CertificateHandler) Kind() string  { return domain.BatchKindCertificates }
func (h *CertificateHandler) Queue() string { return domain.QueueDefault }

func (h *CertificateHandler) Execute(ctx context.Context, raw json.RawMessage) error {
	var unit CertificateUnit
	if err := json.Unmarshal(raw, &unit); err != nil {
		return apperr.Validation("unit", "not a certificate request: "+err.Error())
	}
	if unit.CourseID == uuid.Nil || unit.StudentEmail == "" {
		return apperr.Validation("unit", "course_id and student_email are required")
	}
	dbc := dbctx.Context{Ctx: ctx}

	course, err := h.coursesRepo.GetByID(dbc, unit.CourseID)
	if err != nil {
		return apperr.Transient("load course", err)
	}
	if course == nil {
		return apperr.Validation("course_id", "course does not exist")
	}

	cert, created, err := h.certs.CreateIfAbsent(dbc, &domain.Certificate{
		ID:           uuid.New(),
		CourseID:     unit.CourseID,
		StudentEmail: unit.StudentEmail,
		SerialNo:     newSerial(),
		IssuedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !created {
		// Already issued; nothing to announce again.
		return nil
	}

	_, err = h.engine.Enqueue(dbc, domain.QueueEmails, services.EmailJobType, services.EmailPayload{
		Template: services.TemplateCertificateIssued,
		To:       unit.StudentEmail,
		Data: map[string]string{
			"course_title": course.Title,
			"serial_no":    cert.SerialNo,
		},
	}, queue.Options{
		IdempotencyKey: fmt.Sprintf("cert:%s:mail", cert.ID),
	})
	return err
}

func newSerial() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "CH-" + raw[:12]
}
