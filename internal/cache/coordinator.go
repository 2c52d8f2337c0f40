package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

// Tag builders. Readers and invalidators must agree on these, so they
// live in one place.
func TagCourse(courseID uuid.UUID) string { return "course:" + courseID.String() }
func TagCourseMaterials(courseID uuid.UUID) string {
	return fmt.Sprintf("course:%s:materials", courseID)
}
func TagCourseRoster(courseID uuid.UUID) string { return fmt.Sprintf("course:%s:roster", courseID) }
func TagMaterial(materialID uuid.UUID) string   { return "material:" + materialID.String() }
func TagAssignmentGrades(assignmentID uuid.UUID) string {
	return fmt.Sprintf("assignment:%s:grades", assignmentID)
}

/*
Coordinator translates domain mutations into tag invalidations. Callers
report what changed; the tag fan-out stays here so no mutation site
hand-picks cache keys.
*/
type Coordinator struct {
	store *Store
	log   *logger.Logger
}

func NewCoordinator(store *Store, log *logger.Logger) *Coordinator {
	return &Coordinator{store: store, log: log}
}

// CourseChanged covers edits to the course row itself.
func (c *Coordinator) CourseChanged(ctx context.Context, courseID uuid.UUID) {
	c.invalidate(ctx, TagCourse(courseID))
}

// MaterialChanged covers a material upload, metadata update or removal.
func (c *Coordinator) MaterialChanged(ctx context.Context, materialID, courseID uuid.UUID) {
	c.invalidate(ctx, TagMaterial(materialID), TagCourseMaterials(courseID))
}

// RosterChanged covers enrollment and unenrollment.
func (c *Coordinator) RosterChanged(ctx context.Context, courseID uuid.UUID) {
	c.invalidate(ctx, TagCourseRoster(courseID))
}

// GradesChanged covers grading and plagiarism score updates.
func (c *Coordinator) GradesChanged(ctx context.Context, assignmentID uuid.UUID) {
	c.invalidate(ctx, TagAssignmentGrades(assignmentID))
}

// InvalidateTags is the operator passthrough for explicit tag lists.
func (c *Coordinator) InvalidateTags(ctx context.Context, tags []string) (int, error) {
	return c.store.InvalidateTags(ctx, tags)
}

func (c *Coordinator) invalidate(ctx context.Context, tags ...string) {
	if _, err := c.store.InvalidateTags(ctx, tags); err != nil {
		// Entries age out on TTL if the backend stays down.
		c.log.Warn("invalidation dropped", "tags", tags, "error", err)
	}
}
