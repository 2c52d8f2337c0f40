package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tmardale/coursehub-backend/internal/cache"
	"github.com/tmardale/coursehub-backend/internal/data/repos/courses"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

/*
CacheWarmer precomputes the listings read hottest by the frontend: a
course's material list and roster count. Warming targets either an
explicit course set or the highest-enrollment courses.
*/
type CacheWarmer struct {
	store       *cache.Store
	materials   courses.MaterialRepo
	enrollments courses.EnrollmentRepo
	log         *logger.Logger
}

func NewCacheWarmer(store *cache.Store, materials courses.MaterialRepo, enrollments courses.EnrollmentRepo, log *logger.Logger) *CacheWarmer {
	return &CacheWarmer{
		store:       store,
		materials:   materials,
		enrollments: enrollments,
		log:         log.With("component", "warmer"),
	}
}

// WarmTopCourses warms the limit highest-enrollment courses and returns
// how many courses were targeted.
func (w *CacheWarmer) WarmTopCourses(ctx context.Context, limit int) (int, error) {
	top, err := w.enrollments.TopCourses(dbctx.Context{Ctx: ctx}, limit)
	if err != nil {
		return 0, fmt.Errorf("pick warm targets: %w", err)
	}
	ids := make([]uuid.UUID, len(top))
	for i, t := range top {
		ids[i] = t.CourseID
	}
	return len(ids), w.WarmCourses(ctx, ids)
}

// WarmCourses warms the material listing and roster count for each course.
func (w *CacheWarmer) WarmCourses(ctx context.Context, courseIDs []uuid.UUID) error {
	var entries []cache.WarmEntry
	for _, id := range courseIDs {
		id := id
		entries = append(entries,
			cache.WarmEntry{
				Key:  MaterialListKey(id),
				Opts: cache.EntryOptions{Tags: []string{cache.TagCourseMaterials(id)}},
				Compute: func(ctx context.Context) ([]byte, error) {
					mats, err := w.materials.FindByCourse(dbctx.Context{Ctx: ctx}, id)
					if err != nil {
						return nil, err
					}
					return json.Marshal(mats)
				},
			},
			cache.WarmEntry{
				Key:  RosterCountKey(id),
				Opts: cache.EntryOptions{Tags: []string{cache.TagCourseRoster(id)}},
				Compute: func(ctx context.Context) ([]byte, error) {
					n, err := w.enrollments.CountByCourse(dbctx.Context{Ctx: ctx}, id)
					if err != nil {
						return nil, err
					}
					return json.Marshal(map[string]int64{"students": n})
				},
			},
		)
	}
	if err := w.store.WarmMany(ctx, entries); err != nil {
		return err
	}
	w.log.Info("cache warmed", "courses", len(courseIDs), "entries", len(entries))
	return nil
}

// MaterialListKey is the cache key for a course's material listing.
func MaterialListKey(courseID uuid.UUID) string {
	return fmt.Sprintf("course:%s:materials:list", courseID)
}

// RosterCountKey is the cache key for a course's roster size.
func RosterCountKey(courseID uuid.UUID) string {
	return fmt.Sprintf("course:%s:roster:count", courseID)
}
