package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmardale/coursehub-backend/internal/data/repos/jobs"
	"github.com/tmardale/coursehub-backend/internal/data/repos/testutil"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/mailer"
	"github.com/tmardale/coursehub-backend/internal/queue"
	"gorm.io/gorm"
)

type recorderMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (m *recorderMailer) Send(_ context.Context, msg mailer.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return fmt.Sprintf("msg-%d", len(m.sent)), nil
}

func (m *recorderMailer) last(t *testing.T) mailer.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatalf("no mail sent")
	}
	return m.sent[len(m.sent)-1]
}

func TestNotifierTemplates(t *testing.T) {
	rec := &recorderMailer{}
	n := NewNotifier(rec, testutil.Logger(t))
	ctx := context.Background()

	if _, err := n.EnrollmentConfirmed(ctx, "ana@example.edu", "Databases", "2026S1"); err != nil {
		t.Fatalf("enrollment confirmed: %v", err)
	}
	msg := rec.last(t)
	if msg.To != "ana@example.edu" || !strings.Contains(msg.Subject, "Databases") {
		t.Fatalf("enrollment mail: %+v", msg)
	}
	if !strings.Contains(msg.TextBody, "2026S1") {
		t.Fatalf("semester missing from body: %q", msg.TextBody)
	}

	due := time.Date(2026, 9, 15, 23, 59, 0, 0, time.UTC)
	if _, err := n.DeadlineReminder(ctx, "ana@example.edu", "Databases", "Homework 3", due); err != nil {
		t.Fatalf("deadline reminder: %v", err)
	}
	msg = rec.last(t)
	if !strings.Contains(msg.TextBody, "15 Sep 2026") {
		t.Fatalf("due date missing from body: %q", msg.TextBody)
	}

	if _, err := n.CertificateIssued(ctx, "ana@example.edu", "Databases", "CH-ABCDEF123456"); err != nil {
		t.Fatalf("certificate issued: %v", err)
	}
	if msg = rec.last(t); !strings.Contains(msg.TextBody, "CH-ABCDEF123456") {
		t.Fatalf("serial missing from body: %q", msg.TextBody)
	}
}

type emailFixture struct {
	rec    *recorderMailer
	engine *queue.Engine
	worker *queue.Worker
	repo   jobs.JobRepo
}

func newEmailFixture(t *testing.T) *emailFixture {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobs.NewJobRepo(gdb, log)
	rec := &recorderMailer{}
	handler := NewEmailJobHandler(NewNotifier(rec, log))

	reg := queue.NewRegistry()
	reg.MustRegister(handler)
	worker := queue.NewWorker(repo, reg, queue.NewMemoryRateLimiter(nil), log, nil, queue.WorkerConfig{
		Queues:       []string{domain.QueueEmails},
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		Visibility:   time.Minute,
		BackoffFor:   func(string) []time.Duration { return []time.Duration{0} },
	})
	t.Cleanup(func() {
		gdb.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.Job{})
	})
	return &emailFixture{rec: rec, engine: queue.NewEngine(repo, log, 3), worker: worker, repo: repo}
}

func (f *emailFixture) runOne(t *testing.T) {
	t.Helper()
	claimed, err := f.worker.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !claimed {
		t.Fatalf("no email job claimable")
	}
}

func TestEmailJobDeliversTemplate(t *testing.T) {
	f := newEmailFixture(t)

	job, err := f.engine.Enqueue(dbctx.Background(), domain.QueueEmails, EmailJobType, EmailPayload{
		Template: TemplateMaterialReady,
		To:       "ana@example.edu",
		Data:     map[string]string{"course_title": "Databases", "file_name": "week1.pdf"},
	}, queue.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.runOne(t)

	msg := f.rec.last(t)
	if msg.To != "ana@example.edu" || !strings.Contains(msg.TextBody, "week1.pdf") {
		t.Fatalf("delivered mail: %+v", msg)
	}

	got, err := f.repo.GetByID(dbctx.Background(), job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if got.Status != domain.JobStatusSucceeded {
		t.Fatalf("job status = %s, last_error = %s", got.Status, got.LastError)
	}
	if !strings.Contains(string(got.Result), "delivery_id") {
		t.Fatalf("result missing delivery id: %s", got.Result)
	}
}

func TestEmailJobUnknownTemplateFails(t *testing.T) {
	f := newEmailFixture(t)

	job, err := f.engine.Enqueue(dbctx.Background(), domain.QueueEmails, EmailJobType, EmailPayload{
		Template: "postcard",
		To:       "ana@example.edu",
	}, queue.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.runOne(t)

	got, _ := f.repo.GetByID(dbctx.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("job status = %s, a bad template must not retry", got.Status)
	}
	if len(f.rec.sent) != 0 {
		t.Fatalf("mail sent for unknown template")
	}
}

func TestEmailJobBadDeadlineFails(t *testing.T) {
	f := newEmailFixture(t)

	job, err := f.engine.Enqueue(dbctx.Background(), domain.QueueEmails, EmailJobType, EmailPayload{
		Template: TemplateDeadlineReminder,
		To:       "ana@example.edu",
		Data:     map[string]string{"due_at": "next tuesday"},
	}, queue.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.runOne(t)

	got, _ := f.repo.GetByID(dbctx.Background(), job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("job status = %s", got.Status)
	}
}
