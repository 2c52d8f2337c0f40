package services

import (
	"context"
	"fmt"
	"time"

	"github.com/tmardale/coursehub-backend/internal/platform/logger"
	"github.com/tmardale/coursehub-backend/internal/platform/mailer"
)

/*
Notifier owns every outbound email template. Callers hand it domain
facts; the wording, subject lines and provider plumbing stay here.
Each send returns the provider delivery ID for audit logs.
*/
type Notifier struct {
	mail mailer.Mailer
	log  *logger.Logger
}

func NewNotifier(mail mailer.Mailer, log *logger.Logger) *Notifier {
	return &Notifier{mail: mail, log: log.With("component", "notifier")}
}

func (n *Notifier) EnrollmentConfirmed(ctx context.Context, to, courseTitle, semester string) (string, error) {
	return n.send(ctx, to,
		fmt.Sprintf("You're enrolled in %s", courseTitle),
		fmt.Sprintf("<p>Your enrollment in <b>%s</b> (%s) is confirmed.</p>", courseTitle, semester),
		fmt.Sprintf("Your enrollment in %s (%s) is confirmed.", courseTitle, semester))
}

func (n *Notifier) MaterialReady(ctx context.Context, to, courseTitle, fileName string) (string, error) {
	return n.send(ctx, to,
		fmt.Sprintf("New material in %s", courseTitle),
		fmt.Sprintf("<p><b>%s</b> is now available in %s.</p>", fileName, courseTitle),
		fmt.Sprintf("%s is now available in %s.", fileName, courseTitle))
}

func (n *Notifier) MaterialFailed(ctx context.Context, to, fileName, reason string) (string, error) {
	return n.send(ctx, to,
		fmt.Sprintf("Processing failed for %s", fileName),
		fmt.Sprintf("<p>We could not process <b>%s</b>: %s. Please re-upload or contact support.</p>", fileName, reason),
		fmt.Sprintf("We could not process %s: %s. Please re-upload or contact support.", fileName, reason))
}

func (n *Notifier) DeadlineReminder(ctx context.Context, to, courseTitle, assignmentTitle string, due time.Time) (string, error) {
	when := due.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
	return n.send(ctx, to,
		fmt.Sprintf("Reminder: %s is due soon", assignmentTitle),
		fmt.Sprintf("<p><b>%s</b> in %s is due %s.</p>", assignmentTitle, courseTitle, when),
		fmt.Sprintf("%s in %s is due %s.", assignmentTitle, courseTitle, when))
}

func (n *Notifier) CertificateIssued(ctx context.Context, to, courseTitle, serialNo string) (string, error) {
	return n.send(ctx, to,
		fmt.Sprintf("Your certificate for %s", courseTitle),
		fmt.Sprintf("<p>Congratulations! Your certificate for <b>%s</b> has been issued. Serial: %s.</p>", courseTitle, serialNo),
		fmt.Sprintf("Congratulations! Your certificate for %s has been issued. Serial: %s.", courseTitle, serialNo))
}

func (n *Notifier) send(ctx context.Context, to, subject, html, text string) (string, error) {
	id, err := n.mail.Send(ctx, mailer.Message{
		To:       to,
		Subject:  subject,
		HTMLBody: html,
		TextBody: text,
	})
	if err != nil {
		return "", err
	}
	n.log.Info("notification sent", "to", to, "subject", subject, "delivery_id", id)
	return id, nil
}
