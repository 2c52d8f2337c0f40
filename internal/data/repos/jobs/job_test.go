package jobs

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/data/repos/testutil"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"gorm.io/gorm"
)

var allQueues = []string{domain.QueueCritical, domain.QueueEmails, domain.QueueDefault, domain.QueueLow}

func newRepo(t *testing.T) (JobRepo, *gorm.DB) {
	t.Helper()
	gdb := testutil.DB(t)
	t.Cleanup(func() {
		gdb.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.Job{})
	})
	return NewJobRepo(gdb, testutil.Logger(t)), gdb
}

func seedJob(t *testing.T, repo JobRepo, mutate func(*domain.Job)) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:          uuid.New(),
		Queue:       domain.QueueDefault,
		JobType:     "noop",
		Payload:     []byte(`{}`),
		Status:      domain.JobStatusPending,
		MaxAttempts: 3,
		NextRunAt:   time.Now().UTC().Add(-time.Second),
	}
	if mutate != nil {
		mutate(job)
	}
	if _, err := repo.Create(dbctx.Background(), []*domain.Job{job}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestClaimNextMarksRunningAndCountsAttempt(t *testing.T) {
	repo, _ := newRepo(t)
	job := seedJob(t, repo, nil)

	claimed, err := repo.ClaimNext(dbctx.Background(), allQueues, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claimed = %+v, want job %s", claimed, job.ID)
	}
	if claimed.Status != domain.JobStatusRunning || claimed.Attempts != 1 {
		t.Fatalf("claimed status=%s attempts=%d", claimed.Status, claimed.Attempts)
	}
	if claimed.LockedAt == nil || claimed.HeartbeatAt == nil {
		t.Fatalf("claim did not set lock fields")
	}

	// The claimed job is not runnable again while its heartbeat is fresh.
	again, err := repo.ClaimNext(dbctx.Background(), allQueues, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("running job was claimed again: %s", again.ID)
	}
}

func TestClaimNextPriorityThenFIFO(t *testing.T) {
	repo, _ := newRepo(t)
	older := seedJob(t, repo, func(j *domain.Job) {
		j.Queue = domain.QueueLow
		j.CreatedAt = time.Now().UTC().Add(-time.Hour)
	})
	_ = older
	high := seedJob(t, repo, func(j *domain.Job) { j.Queue = domain.QueueCritical })

	claimed, err := repo.ClaimNext(dbctx.Background(), allQueues, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != high.ID {
		t.Fatalf("claimed %v, want critical job despite older low job", claimed)
	}
}

func TestClaimNextReclaimsStaleRunning(t *testing.T) {
	repo, _ := newRepo(t)
	stale := time.Now().UTC().Add(-time.Hour)
	job := seedJob(t, repo, func(j *domain.Job) {
		j.Status = domain.JobStatusRunning
		j.Attempts = 1
		j.HeartbeatAt = &stale
	})

	claimed, err := repo.ClaimNext(dbctx.Background(), allQueues, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("stale running job not reclaimed")
	}
	if claimed.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 after reclaim", claimed.Attempts)
	}
}

func TestClaimNextSkipsExhaustedStale(t *testing.T) {
	repo, _ := newRepo(t)
	stale := time.Now().UTC().Add(-time.Hour)
	seedJob(t, repo, func(j *domain.Job) {
		j.Status = domain.JobStatusRunning
		j.Attempts = 3
		j.MaxAttempts = 3
		j.HeartbeatAt = &stale
	})

	claimed, err := repo.ClaimNext(dbctx.Background(), allQueues, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("exhausted job reclaimed: %s", claimed.ID)
	}

	n, err := repo.MarkExhaustedDead(dbctx.Background(), time.Minute)
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if n != 1 {
		t.Fatalf("dead-lettered %d jobs, want 1", n)
	}
}

func TestFindActiveByIdempotencyKeyIgnoresDead(t *testing.T) {
	repo, _ := newRepo(t)
	key := "k:" + uuid.NewString()
	seedJob(t, repo, func(j *domain.Job) {
		j.IdempotencyKey = testutil.PtrStr(key)
		j.Status = domain.JobStatusDead
	})

	found, err := repo.FindActiveByIdempotencyKey(dbctx.Background(), key)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found != nil {
		t.Fatalf("dead job returned for idempotency reuse")
	}

	live := seedJob(t, repo, func(j *domain.Job) {
		j.IdempotencyKey = testutil.PtrStr(key)
	})
	found, err = repo.FindActiveByIdempotencyKey(dbctx.Background(), key)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.ID != live.ID {
		t.Fatalf("active job not found by key")
	}
}

func TestSucceededWithKeyExcludesSelf(t *testing.T) {
	repo, _ := newRepo(t)
	key := "k:" + uuid.NewString()
	done := seedJob(t, repo, func(j *domain.Job) {
		j.IdempotencyKey = testutil.PtrStr(key)
		j.Status = domain.JobStatusSucceeded
	})

	ok, err := repo.SucceededWithKey(dbctx.Background(), key, done.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("job matched itself")
	}
	ok, err = repo.SucceededWithKey(dbctx.Background(), key, uuid.New())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("succeeded sibling not found")
	}
}

func TestUpdateFieldsUnlessStatusGuardsDead(t *testing.T) {
	repo, _ := newRepo(t)
	job := seedJob(t, repo, func(j *domain.Job) { j.Status = domain.JobStatusDead })

	applied, err := repo.UpdateFieldsUnlessStatus(dbctx.Background(), job.ID,
		[]string{domain.JobStatusDead},
		map[string]interface{}{"status": domain.JobStatusSucceeded})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if applied {
		t.Fatalf("dead job was overwritten")
	}
}

func TestPruneTerminalKeepsActive(t *testing.T) {
	repo, _ := newRepo(t)
	old := time.Now().UTC().Add(-48 * time.Hour)
	seedJob(t, repo, func(j *domain.Job) {
		j.Status = domain.JobStatusSucceeded
		j.CreatedAt = old
		j.UpdatedAt = old
	})
	seedJob(t, repo, func(j *domain.Job) {
		j.CreatedAt = old
		j.UpdatedAt = old
	})
	recent := seedJob(t, repo, func(j *domain.Job) { j.Status = domain.JobStatusFailed })
	_ = recent

	n, err := repo.PruneTerminal(dbctx.Background(), time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1 (old terminal only)", n)
	}
}

func TestCountByQueueAndStatus(t *testing.T) {
	repo, _ := newRepo(t)
	seedJob(t, repo, nil)
	seedJob(t, repo, nil)
	seedJob(t, repo, func(j *domain.Job) {
		j.Queue = domain.QueueEmails
		j.Status = domain.JobStatusDead
	})

	counts, err := repo.CountByQueueAndStatus(dbctx.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	got := map[string]int64{}
	for _, c := range counts {
		got[c.Queue+"/"+c.Status] = c.Count
	}
	if got["default/pending"] != 2 || got["emails/dead"] != 1 {
		t.Fatalf("counts = %v", got)
	}
}
