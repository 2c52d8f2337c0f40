package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tmardale/coursehub-backend/internal/app"
	"github.com/tmardale/coursehub-backend/internal/platform/dbctx"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print job counts per queue and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			counts, err := a.JobRepo.CountByQueueAndStatus(dbctx.Context{Ctx: cmd.Context()})
			if err != nil {
				return err
			}
			if len(counts) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, c := range counts {
				fmt.Printf("%-12s %-18s %d\n", c.Queue, c.Status, c.Count)
			}
			return nil
		},
	}
}

func invalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate-tags <tag> [tag...]",
		Short: "Drop every cache entry carrying any of the given tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Cache.InvalidateTags(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Printf("invalidated %d cache keys\n", n)
			return nil
		},
	}
}

func warmCacheCmd() *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "warm-cache [course-id...]",
		Short: "Precompute cache entries for the given courses, or the largest rosters",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) > 0 {
				ids := make([]uuid.UUID, 0, len(args))
				for _, arg := range args {
					id, err := uuid.Parse(arg)
					if err != nil {
						return fmt.Errorf("invalid course id %q: %w", arg, err)
					}
					ids = append(ids, id)
				}
				if err := a.Warmer.WarmCourses(cmd.Context(), ids); err != nil {
					return err
				}
				fmt.Printf("warmed %d courses\n", len(ids))
				return nil
			}

			n, err := a.Warmer.WarmTopCourses(cmd.Context(), top)
			if err != nil {
				return err
			}
			fmt.Printf("warmed %d courses\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "how many of the largest courses to warm when no ids are given")
	return cmd
}

func pruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete terminal jobs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			window := olderThan
			if window <= 0 {
				window = a.Cfg.Queue.RetentionWindow.Std()
			}
			n, err := a.JobRepo.PruneTerminal(dbctx.Context{Ctx: cmd.Context()}, time.Now().Add(-window))
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override the configured retention window")
	return cmd
}
