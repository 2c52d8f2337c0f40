package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	BatchStatusInProgress = "in_progress"
	BatchStatusCompleted  = "completed"
	BatchStatusCancelled  = "cancelled"
)

const (
	ChunkStatusPending   = "pending"
	ChunkStatusSucceeded = "succeeded"
	ChunkStatusFailed    = "failed"
)

const (
	BatchKindEnrollment   = "enrollment"
	BatchKindCertificates = "certificates"
	BatchKindReminders    = "reminders"
)

// UnitFailure is one recorded per-unit failure, kept as a bounded sample so
// operators can re-submit only the failed subset.
type UnitFailure struct {
	ChunkIndex int    `json:"chunk_index"`
	UnitIndex  int    `json:"unit_index"`
	Error      string `json:"error"`
}

// Batch is one bulk operation. Invariant after every chunk completion:
// Succeeded + Failed + PendingUnits == TotalUnits.
type Batch struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Kind           string         `gorm:"column:kind;not null;index" json:"kind"`
	Queue          string         `gorm:"column:queue;not null" json:"queue"`
	TotalUnits     int            `gorm:"column:total_units;not null" json:"total_units"`
	ChunkSize      int            `gorm:"column:chunk_size;not null" json:"chunk_size"`
	ChunksTotal    int            `gorm:"column:chunks_total;not null" json:"chunks_total"`
	ChunksDone     int            `gorm:"column:chunks_done;not null;default:0" json:"chunks_done"`
	Succeeded      int            `gorm:"column:succeeded;not null;default:0" json:"succeeded"`
	Failed         int            `gorm:"column:failed;not null;default:0" json:"failed"`
	PendingUnits   int            `gorm:"column:pending_units;not null" json:"pending_units"`
	FailureSamples datatypes.JSON `gorm:"column:failure_samples" json:"failure_samples,omitempty"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Batch) TableName() string { return "batch" }

// BatchChunk holds one bounded subset of a batch's units. Units are stored
// on the row so an abandoned chunk job can be re-delivered after restart.
type BatchChunk struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BatchID        uuid.UUID      `gorm:"type:uuid;column:batch_id;not null;index" json:"batch_id"`
	Index          int            `gorm:"column:chunk_index;not null" json:"index"`
	Units          datatypes.JSON `gorm:"column:units;not null" json:"units"`
	UnitCount      int            `gorm:"column:unit_count;not null" json:"unit_count"`
	Succeeded      int            `gorm:"column:succeeded;not null;default:0" json:"succeeded"`
	Failed         int            `gorm:"column:failed;not null;default:0" json:"failed"`
	FailureSamples datatypes.JSON `gorm:"column:failure_samples" json:"failure_samples,omitempty"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (BatchChunk) TableName() string { return "batch_chunk" }
