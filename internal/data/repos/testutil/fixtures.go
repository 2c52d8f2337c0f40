package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tmardale/coursehub-backend/internal/domain"
)

func SeedCourse(tb testing.TB, ctx context.Context, tx *gorm.DB, title string) *domain.Course {
	tb.Helper()
	c := &domain.Course{
		ID:              uuid.New(),
		Title:           title,
		Semester:        "2026S1",
		InstructorEmail: "instructor@example.edu",
		Published:       true,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		tb.Fatalf("seed course: %v", err)
	}
	return c
}

func SeedMaterial(tb testing.TB, ctx context.Context, tx *gorm.DB, courseID uuid.UUID, fileName string) *domain.Material {
	tb.Helper()
	m := &domain.Material{
		ID:        uuid.New(),
		CourseID:  courseID,
		Title:     fileName,
		FileName:  fileName,
		SizeBytes: 1024,
		Metadata:  datatypes.JSON([]byte("{}")),
		Status:    domain.MaterialStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		tb.Fatalf("seed material: %v", err)
	}
	return m
}

func SeedAssignment(tb testing.TB, ctx context.Context, tx *gorm.DB, courseID uuid.UUID, deadline *time.Time) *domain.Assignment {
	tb.Helper()
	a := &domain.Assignment{
		ID:         uuid.New(),
		CourseID:   courseID,
		Title:      "assignment",
		DeadlineAt: deadline,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(a).Error; err != nil {
		tb.Fatalf("seed assignment: %v", err)
	}
	return a
}

func SeedEnrollment(tb testing.TB, ctx context.Context, tx *gorm.DB, courseID uuid.UUID, studentEmail string) *domain.Enrollment {
	tb.Helper()
	e := &domain.Enrollment{
		ID:           uuid.New(),
		StudentEmail: studentEmail,
		CourseID:     courseID,
		Semester:     "2026S1",
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(e).Error; err != nil {
		tb.Fatalf("seed enrollment: %v", err)
	}
	return e
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }

func PtrTime(v time.Time) *time.Time { return &v }

func PtrStr(v string) *string { return &v }
