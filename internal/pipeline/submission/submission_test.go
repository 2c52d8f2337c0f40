package submission

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/cache"
	"github.com/tmardale/coursehub-backend/internal/data/repos/courses"
	"github.com/tmardale/coursehub-backend/internal/data/repos/jobs"
	"github.com/tmardale/coursehub-backend/internal/data/repos/pipelines"
	"github.com/tmardale/coursehub-backend/internal/data/repos/testutil"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/pipeline"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/queue"
	"gorm.io/gorm"
)

func TestSeededScorerIsDeterministic(t *testing.T) {
	sub := &domain.Submission{ID: uuid.New()}
	scorer := SeededScorer{}

	first, err := scorer.Score(context.Background(), sub)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := scorer.Score(context.Background(), sub)
		if err != nil {
			t.Fatalf("score: %v", err)
		}
		if again != first {
			t.Fatalf("score flipped: %v then %v", first, again)
		}
	}
	if first < 0 || first > 1 {
		t.Fatalf("score %v out of range", first)
	}

	other, _ := scorer.Score(context.Background(), &domain.Submission{ID: uuid.New()})
	if other == first {
		t.Fatalf("distinct submissions scored identically")
	}
}

type fixedScorer struct {
	score float64
	calls int
}

func (s *fixedScorer) Score(context.Context, *domain.Submission) (float64, error) {
	s.calls++
	return s.score, nil
}

func TestScanStoresScoreOnce(t *testing.T) {
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	jobRepo := jobs.NewJobRepo(gdb, log)
	runRepo := pipelines.NewPipelineRunRepo(gdb, log)
	subRepo := courses.NewSubmissionRepo(gdb, log)
	engine := queue.NewEngine(jobRepo, log, 3)
	coord := cache.NewCoordinator(cache.NewStore(cache.NewMemoryBackend(), log, nil, time.Minute, 10*time.Second), log)

	scorer := &fixedScorer{score: 0.42}
	orch := pipeline.NewOrchestrator(runRepo, engine, coord, log)
	orch.MustDefine(Definition(Deps{Submissions: subRepo, Scorer: scorer, Log: log}))

	reg := queue.NewRegistry()
	reg.MustRegister(orch.StageJobHandler())
	worker := queue.NewWorker(jobRepo, reg, queue.NewMemoryRateLimiter(nil), log, nil, queue.WorkerConfig{
		Queues:       []string{domain.QueueDefault},
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		Visibility:   time.Minute,
		BackoffFor:   func(string) []time.Duration { return []time.Duration{0} },
	})
	t.Cleanup(func() {
		for _, m := range []any{&domain.Job{}, &domain.PipelineRun{}, &domain.Submission{}} {
			gdb.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m)
		}
	})

	sub, err := subRepo.Create(dbctx.Background(), &domain.Submission{
		ID:           uuid.New(),
		AssignmentID: uuid.New(),
		CourseID:     uuid.New(),
		StudentEmail: "pat@example.edu",
	})
	if err != nil {
		t.Fatalf("create submission: %v", err)
	}

	drain := func() {
		for i := 0; i < 20; i++ {
			claimed, err := worker.Tick(context.Background())
			if err != nil {
				t.Fatalf("tick: %v", err)
			}
			if !claimed {
				return
			}
		}
		t.Fatalf("worker did not drain")
	}

	run, err := orch.StartRun(dbctx.Background(), ArtifactType, sub.ID, sub.CourseID, "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	drain()

	got, _ := subRepo.GetByID(dbctx.Background(), sub.ID)
	if got.PlagiarismScore == nil || *got.PlagiarismScore != 0.42 {
		t.Fatalf("plagiarism_score = %v, want 0.42", got.PlagiarismScore)
	}
	gotRun, _ := runRepo.GetByID(dbctx.Background(), run.ID)
	if gotRun.Status != domain.RunStatusCompleted {
		t.Fatalf("run status = %s", gotRun.Status)
	}

	// A second run over the same submission keeps the existing verdict.
	if _, err := orch.StartRun(dbctx.Background(), ArtifactType, sub.ID, sub.CourseID, ""); err != nil {
		t.Fatalf("second run: %v", err)
	}
	drain()
	if scorer.calls != 1 {
		t.Fatalf("scorer called %d times, want 1", scorer.calls)
	}
	got, _ = subRepo.GetByID(dbctx.Background(), sub.ID)
	if got.PlagiarismScore == nil || *got.PlagiarismScore != 0.42 {
		t.Fatalf("verdict changed on rescan: %v", got.PlagiarismScore)
	}
}
