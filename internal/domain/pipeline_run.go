package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RunStatusInProgress     = "in_progress"
	RunStatusCompleted      = "completed"
	RunStatusFailedTerminal = "failed_terminal"
	RunStatusCancelled      = "cancelled"
)

const (
	StageStatusPending   = "pending"
	StageStatusRunning   = "running"
	StageStatusSucceeded = "succeeded"
	StageStatusFailed    = "failed"
)

// StageState is one entry of PipelineRun.Stages, persisted as JSON so a run
// can be resumed with its full per-stage history after restart.
type StageState struct {
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	JobID      string     `json:"job_id,omitempty"`
	Required   bool       `json:"required"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PipelineRun tracks one artifact's journey through an ordered stage list.
// Stages execute strictly in declared order; only the orchestrator writes
// this row.
type PipelineRun struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ArtifactType string         `gorm:"column:artifact_type;not null;index" json:"artifact_type"`
	ArtifactID   uuid.UUID      `gorm:"type:uuid;column:artifact_id;not null;index" json:"artifact_id"`
	CourseID     uuid.UUID      `gorm:"type:uuid;column:course_id;index" json:"course_id"`
	OwnerEmail   string         `gorm:"column:owner_email" json:"owner_email,omitempty"`
	Stages       datatypes.JSON `gorm:"column:stages;not null" json:"stages"`
	CurrentStage int            `gorm:"column:current_stage;not null;default:0" json:"current_stage"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	LastError    string         `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (PipelineRun) TableName() string { return "pipeline_run" }
