package services

import (
	"time"

	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/queue"
)

const (
	EmailJobType = "send_email"

	TemplateEnrollmentConfirmed = "enrollment_confirmed"
	TemplateMaterialReady       = "material_ready"
	TemplateMaterialFailed      = "material_failed"
	TemplateDeadlineReminder    = "deadline_reminder"
	TemplateCertificateIssued   = "certificate_issued"
)

// EmailPayload is the queue payload for one templated send.
type EmailPayload struct {
	Template string            `json:"template"`
	To       string            `json:"to"`
	Data     map[string]string `json:"data"`
}

// EmailJobHandler runs queued sends on the emails queue under the mailer
// rate window.
type EmailJobHandler struct {
	notifier *Notifier
}

func NewEmailJobHandler(notifier *Notifier) *EmailJobHandler {
	return &EmailJobHandler{notifier: notifier}
}

func (h *EmailJobHandler) Type() string    { return EmailJobType }
func (h *EmailJobHandler) RateKey() string { return "mailer" }

func (h *EmailJobHandler) Run(jc *queue.Context) error {
	var p EmailPayload
	if err := jc.BindPayload(&p); err != nil {
		return err
	}
	var (
		id  string
		err error
	)
	switch p.Template {
	case TemplateEnrollmentConfirmed:
		id, err = h.notifier.EnrollmentConfirmed(jc.Ctx, p.To, p.Data["course_title"], p.Data["semester"])
	case TemplateMaterialReady:
		id, err = h.notifier.MaterialReady(jc.Ctx, p.To, p.Data["course_title"], p.Data["file_name"])
	case TemplateMaterialFailed:
		id, err = h.notifier.MaterialFailed(jc.Ctx, p.To, p.Data["file_name"], p.Data["reason"])
	case TemplateDeadlineReminder:
		due, perr := time.Parse(time.RFC3339, p.Data["due_at"])
		if perr != nil {
			return apperr.Validation("due_at", "not RFC3339: "+p.Data["due_at"])
		}
		id, err = h.notifier.DeadlineReminder(jc.Ctx, p.To, p.Data["course_title"], p.Data["assignment_title"], due)
	case TemplateCertificateIssued:
		id, err = h.notifier.CertificateIssued(jc.Ctx, p.To, p.Data["course_title"], p.Data["serial_no"])
	default:
		return apperr.Validation("template", "unknown template "+p.Template)
	}
	if err != nil {
		return err
	}
	jc.Succeed(map[string]any{"delivery_id": id})
	return nil
}
