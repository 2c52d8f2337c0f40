package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusDead      = "dead"
)

const (
	QueueCritical = "critical"
	QueueEmails   = "emails"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Job is one unit of schedulable work. The queue engine owns every row;
// payloads are opaque to it.
type Job struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Queue          string         `gorm:"column:queue;not null;index" json:"queue"`
	JobType        string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload"`
	IdempotencyKey *string        `gorm:"column:idempotency_key;index" json:"idempotency_key,omitempty"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	Stage          string         `gorm:"column:stage" json:"stage,omitempty"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts    int            `gorm:"column:max_attempts;not null" json:"max_attempts"`
	NextRunAt      time.Time      `gorm:"column:next_run_at;not null;index" json:"next_run_at"`
	LockedAt       *time.Time     `gorm:"column:locked_at" json:"locked_at,omitempty"`
	HeartbeatAt    *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastError      string         `gorm:"column:last_error" json:"last_error,omitempty"`
	LastErrorAt    *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	Result         datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	BatchID        *uuid.UUID     `gorm:"type:uuid;column:batch_id;index" json:"batch_id,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

// Terminal reports whether the job reached a state workers never touch again.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusDead:
		return true
	}
	return false
}
