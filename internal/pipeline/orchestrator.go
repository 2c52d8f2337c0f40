package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/cache"
	"github.com/tmardale/coursehub-backend/internal/data/repos/pipelines"
	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/apperr"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
	"github.com/tmardale/coursehub-backend/internal/queue"
)

const stageJobType = "pipeline_stage"

// StageHandler executes one named stage of a run. A nil error advances the
// run; a transient error retries the stage job; a terminal error fails the
// stage, and the whole run when the stage is required.
type StageHandler interface {
	Name() string
	Run(ctx context.Context, run *domain.PipelineRun) error
}

// StageSpec binds a handler into a definition. Optional stages log their
// terminal failures and let the run continue.
type StageSpec struct {
	Handler  StageHandler
	Required bool
	// Tags, when set, names cache tags to drop after the stage succeeds.
	Tags func(run *domain.PipelineRun) []string
}

// Definition is the ordered stage list for one artifact type.
type Definition struct {
	ArtifactType string
	Queue        string
	Stages       []StageSpec
	// CompletionTags names cache tags to drop once the whole run completes.
	CompletionTags func(run *domain.PipelineRun) []string
	// OnFailure runs after a required stage fails the run, before the stage
	// job settles. Owner notification hangs off this.
	OnFailure func(ctx context.Context, run *domain.PipelineRun, stageName string, stageErr error)
}

/*
Orchestrator drives pipeline runs. Each stage executes as its own queue
job keyed run:<id>:stage:<n>, so a crash mid-run resumes from the recorded
current stage instead of restarting the artifact from scratch. Only the
orchestrator writes the run row.
*/
type Orchestrator struct {
	runs   pipelines.PipelineRunRepo
	engine *queue.Engine
	coord  *cache.Coordinator
	log    *logger.Logger
	defs   map[string]Definition
}

func NewOrchestrator(runs pipelines.PipelineRunRepo, engine *queue.Engine, coord *cache.Coordinator, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		runs:   runs,
		engine: engine,
		coord:  coord,
		log:    log.With("component", "orchestrator"),
		defs:   make(map[string]Definition),
	}
}

func (o *Orchestrator) Define(def Definition) error {
	if def.ArtifactType == "" {
		return apperr.Validation("artifact_type", "must not be empty")
	}
	if len(def.Stages) == 0 {
		return apperr.Validation("stages", "definition needs at least one stage")
	}
	if def.Queue == "" {
		def.Queue = domain.QueueDefault
	}
	if _, exists := o.defs[def.ArtifactType]; exists {
		return fmt.Errorf("pipeline already defined for %s", def.ArtifactType)
	}
	o.defs[def.ArtifactType] = def
	return nil
}

func (o *Orchestrator) MustDefine(def Definition) {
	if err := o.Define(def); err != nil {
		panic(err)
	}
}

// StageJobHandler returns the queue handler that executes stage jobs.
// Register it once on the worker registry.
func (o *Orchestrator) StageJobHandler() queue.Handler {
	return &stageJob{o: o}
}

// StartRun creates the run row and enqueues its first stage.
func (o *Orchestrator) StartRun(dbc dbctx.Context, artifactType string, artifactID, courseID uuid.UUID, ownerEmail string) (*domain.PipelineRun, error) {
	def, ok := o.defs[artifactType]
	if !ok {
		return nil, apperr.Validation("artifact_type", "no pipeline defined for "+artifactType)
	}
	states := make([]domain.StageState, len(def.Stages))
	for i, s := range def.Stages {
		states[i] = domain.StageState{
			Name:     s.Handler.Name(),
			Status:   domain.StageStatusPending,
			Required: s.Required,
		}
	}
	encoded, err := pipelines.EncodeStages(states)
	if err != nil {
		return nil, err
	}
	run := &domain.PipelineRun{
		ID:           uuid.New(),
		ArtifactType: artifactType,
		ArtifactID:   artifactID,
		CourseID:     courseID,
		OwnerEmail:   ownerEmail,
		Stages:       encoded,
		CurrentStage: 0,
		Status:       domain.RunStatusInProgress,
	}
	if _, err := o.runs.Create(dbc, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := o.enqueueStage(dbc, run, def, 0); err != nil {
		return nil, err
	}
	o.log.Info("pipeline run started",
		"run_id", run.ID, "artifact_type", artifactType, "artifact_id", artifactID, "stages", len(def.Stages))
	return run, nil
}

// CancelRun stops a run before its next stage starts. The stage currently
// executing is not interrupted; its completion callback sees the
// cancelled status and goes no further.
func (o *Orchestrator) CancelRun(dbc dbctx.Context, runID uuid.UUID) error {
	applied, err := o.runs.UpdateFieldsUnlessStatus(dbc, runID,
		[]string{domain.RunStatusCompleted, domain.RunStatusFailedTerminal, domain.RunStatusCancelled},
		map[string]any{"status": domain.RunStatusCancelled})
	if err != nil {
		return err
	}
	if !applied {
		return apperr.Validation("status", "run already finished")
	}
	o.log.Info("pipeline run cancelled", "run_id", runID)
	return nil
}

// GetRun exposes the row for the status surface.
func (o *Orchestrator) GetRun(dbc dbctx.Context, runID uuid.UUID) (*domain.PipelineRun, error) {
	run, err := o.runs.GetByID(dbc, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperr.ErrNotFound
	}
	return run, nil
}

func (o *Orchestrator) enqueueStage(dbc dbctx.Context, run *domain.PipelineRun, def Definition, index int) error {
	key := fmt.Sprintf("run:%s:stage:%d", run.ID, index)
	job, err := o.engine.Enqueue(dbc, def.Queue, stageJobType, stagePayload{
		RunID:      run.ID,
		StageIndex: index,
	}, queue.Options{IdempotencyKey: key})
	if err != nil {
		return fmt.Errorf("enqueue stage %d: %w", index, err)
	}
	states, err := pipelines.DecodeStages(run)
	if err != nil {
		return err
	}
	if index < len(states) {
		states[index].JobID = job.ID.String()
		if encoded, eerr := pipelines.EncodeStages(states); eerr == nil {
			run.Stages = encoded
			_ = o.runs.UpdateFields(dbc, run.ID, map[string]any{"stages": encoded})
		}
	}
	return nil
}

type stagePayload struct {
	RunID      uuid.UUID `json:"run_id"`
	StageIndex int       `json:"stage_index"`
}

type stageJob struct {
	o *Orchestrator
}

func (s *stageJob) Type() string { return stageJobType }

func (s *stageJob) Run(jc *queue.Context) error {
	var p stagePayload
	if err := jc.BindPayload(&p); err != nil {
		return err
	}
	return s.o.executeStage(jc, p)
}

func (o *Orchestrator) executeStage(jc *queue.Context, p stagePayload) error {
	dbc := dbctx.Context{Ctx: jc.Ctx}
	run, err := o.runs.GetByID(dbc, p.RunID)
	if err != nil {
		return apperr.Transient("load run", err)
	}
	if run == nil {
		return apperr.Terminal("run missing", fmt.Errorf("run_id=%s", p.RunID))
	}
	if run.Status == domain.RunStatusCancelled {
		o.log.Info("stage skipped, run cancelled", "run_id", run.ID, "stage_index", p.StageIndex)
		jc.Succeed(map[string]any{"skipped": "cancelled"})
		return nil
	}
	if run.Status != domain.RunStatusInProgress {
		jc.Succeed(map[string]any{"skipped": "run " + run.Status})
		return nil
	}
	// Ordering guard: a redelivered job for an already-passed stage must
	// not re-run it, and a stage ahead of the cursor never starts early.
	if p.StageIndex != run.CurrentStage {
		if p.StageIndex < run.CurrentStage {
			jc.Succeed(map[string]any{"skipped": "stage already done"})
			return nil
		}
		return apperr.Terminal("stage out of order",
			fmt.Errorf("stage %d enqueued while run is at %d", p.StageIndex, run.CurrentStage))
	}

	def, ok := o.defs[run.ArtifactType]
	if !ok || p.StageIndex >= len(def.Stages) {
		return apperr.Terminal("no stage definition",
			fmt.Errorf("artifact_type=%s stage=%d", run.ArtifactType, p.StageIndex))
	}
	spec := def.Stages[p.StageIndex]

	if err := o.markStageRunning(dbc, run, p.StageIndex); err != nil {
		return apperr.Transient("mark stage running", err)
	}
	jc.Progress(spec.Handler.Name())

	runErr := spec.Handler.Run(jc.Ctx, run)
	if runErr != nil && apperr.Retryable(runErr) {
		// The queue retries this same job; the stage stays current.
		return runErr
	}
	return o.completeStage(jc, run, def, spec, p.StageIndex, runErr)
}

func (o *Orchestrator) completeStage(jc *queue.Context, run *domain.PipelineRun, def Definition, spec StageSpec, index int, stageErr error) error {
	dbc := dbctx.Context{Ctx: jc.Ctx}
	states, err := pipelines.DecodeStages(run)
	if err != nil {
		return apperr.Transient("decode stages", err)
	}
	now := time.Now().UTC()
	states[index].FinishedAt = &now

	if stageErr != nil {
		states[index].Status = domain.StageStatusFailed
		states[index].Error = stageErr.Error()
		if spec.Required {
			encoded, _ := pipelines.EncodeStages(states)
			applied, uerr := o.runs.UpdateFieldsUnlessStatus(dbc, run.ID,
				[]string{domain.RunStatusCancelled},
				map[string]any{
					"stages":     encoded,
					"status":     domain.RunStatusFailedTerminal,
					"last_error": stageErr.Error(),
				})
			if uerr != nil {
				return apperr.Transient("fail run", uerr)
			}
			if applied {
				o.log.Warn("pipeline run failed",
					"run_id", run.ID, "stage", spec.Handler.Name(), "error", stageErr)
				if def.OnFailure != nil {
					def.OnFailure(jc.Ctx, run, spec.Handler.Name(), stageErr)
				}
			}
			jc.Fail(spec.Handler.Name(), stageErr)
			return nil
		}
		o.log.Warn("optional stage failed, continuing",
			"run_id", run.ID, "stage", spec.Handler.Name(), "error", stageErr)
	} else {
		states[index].Status = domain.StageStatusSucceeded
		if spec.Tags != nil {
			if _, ierr := o.coord.InvalidateTags(jc.Ctx, spec.Tags(run)); ierr != nil {
				o.log.Warn("stage tag invalidation failed", "run_id", run.ID, "error", ierr)
			}
		}
	}

	next := index + 1
	done := next >= len(def.Stages)
	updates := map[string]any{"current_stage": next}
	if done {
		updates["status"] = domain.RunStatusCompleted
	}
	encoded, eerr := pipelines.EncodeStages(states)
	if eerr != nil {
		return apperr.Transient("encode stages", eerr)
	}
	updates["stages"] = encoded

	applied, uerr := o.runs.UpdateFieldsUnlessStatus(dbc, run.ID,
		[]string{domain.RunStatusCancelled, domain.RunStatusFailedTerminal},
		updates)
	if uerr != nil {
		return apperr.Transient("advance run", uerr)
	}
	if !applied {
		jc.Succeed(map[string]any{"skipped": "run no longer in progress"})
		return nil
	}
	run.Stages = encoded
	run.CurrentStage = next

	if done {
		if def.CompletionTags != nil {
			if _, ierr := o.coord.InvalidateTags(jc.Ctx, def.CompletionTags(run)); ierr != nil {
				o.log.Warn("completion tag invalidation failed", "run_id", run.ID, "error", ierr)
			}
		}
		o.log.Info("pipeline run completed", "run_id", run.ID, "artifact_id", run.ArtifactID)
	} else {
		if err := o.enqueueStage(dbc, run, def, next); err != nil {
			return apperr.Transient("enqueue next stage", err)
		}
	}
	jc.Succeed(map[string]any{"stage": spec.Handler.Name(), "run_status": statusOf(done)})
	return nil
}

func (o *Orchestrator) markStageRunning(dbc dbctx.Context, run *domain.PipelineRun, index int) error {
	states, err := pipelines.DecodeStages(run)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	states[index].Status = domain.StageStatusRunning
	if states[index].StartedAt == nil {
		states[index].StartedAt = &now
	}
	encoded, err := pipelines.EncodeStages(states)
	if err != nil {
		return err
	}
	run.Stages = encoded
	return o.runs.UpdateFields(dbc, run.ID, map[string]any{"stages": encoded})
}

func statusOf(done bool) string {
	if done {
		return domain.RunStatusCompleted
	}
	return domain.RunStatusInProgress
}
