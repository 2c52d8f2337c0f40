package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Course struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Title           string    `gorm:"column:title;not null" json:"title"`
	Semester        string    `gorm:"column:semester;not null;index" json:"semester"`
	InstructorEmail string    `gorm:"column:instructor_email;not null" json:"instructor_email"`
	Published       bool      `gorm:"column:published;not null;default:false" json:"published"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

func (Course) TableName() string { return "course" }

// Enrollment's natural key is (student_email, course_id, semester); the
// composite unique index backs the idempotent upsert in bulk enrollment.
type Enrollment struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StudentEmail string    `gorm:"column:student_email;not null;uniqueIndex:uq_enrollment_natural" json:"student_email"`
	CourseID     uuid.UUID `gorm:"type:uuid;column:course_id;not null;uniqueIndex:uq_enrollment_natural;index" json:"course_id"`
	Semester     string    `gorm:"column:semester;not null;uniqueIndex:uq_enrollment_natural" json:"semester"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (Enrollment) TableName() string { return "enrollment" }

const (
	MaterialStatusPending   = "pending"
	MaterialStatusAvailable = "available"
	MaterialStatusFailed    = "failed"
)

type Material struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CourseID     uuid.UUID      `gorm:"type:uuid;column:course_id;not null;index" json:"course_id"`
	Title        string         `gorm:"column:title;not null" json:"title"`
	FileName     string         `gorm:"column:file_name;not null" json:"file_name"`
	ContentType  string         `gorm:"column:content_type" json:"content_type,omitempty"`
	SizeBytes    int64          `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`
	ObjectKey    string         `gorm:"column:object_key" json:"object_key,omitempty"`
	ThumbnailKey string         `gorm:"column:thumbnail_key" json:"thumbnail_key,omitempty"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (Material) TableName() string { return "material" }

type Assignment struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CourseID   uuid.UUID  `gorm:"type:uuid;column:course_id;not null;index" json:"course_id"`
	Title      string     `gorm:"column:title;not null" json:"title"`
	DeadlineAt *time.Time `gorm:"column:deadline_at" json:"deadline_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null" json:"updated_at"`
}

func (Assignment) TableName() string { return "assignment" }

type Submission struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	AssignmentID    uuid.UUID  `gorm:"type:uuid;column:assignment_id;not null;index" json:"assignment_id"`
	CourseID        uuid.UUID  `gorm:"type:uuid;column:course_id;not null;index" json:"course_id"`
	StudentEmail    string     `gorm:"column:student_email;not null;index" json:"student_email"`
	ObjectKey       string     `gorm:"column:object_key" json:"object_key,omitempty"`
	Grade           *float64   `gorm:"column:grade" json:"grade,omitempty"`
	PlagiarismScore *float64   `gorm:"column:plagiarism_score" json:"plagiarism_score,omitempty"`
	GradedAt        *time.Time `gorm:"column:graded_at" json:"graded_at,omitempty"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updated_at"`
}

func (Submission) TableName() string { return "submission" }

type Certificate struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CourseID     uuid.UUID `gorm:"type:uuid;column:course_id;not null;uniqueIndex:uq_certificate_natural" json:"course_id"`
	StudentEmail string    `gorm:"column:student_email;not null;uniqueIndex:uq_certificate_natural" json:"student_email"`
	SerialNo     string    `gorm:"column:serial_no;not null;uniqueIndex" json:"serial_no"`
	ObjectKey    string    `gorm:"column:object_key" json:"object_key,omitempty"`
	IssuedAt     time.Time `gorm:"column:issued_at;not null" json:"issued_at"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

func (Certificate) TableName() string { return "certificate" }
