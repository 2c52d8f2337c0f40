package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tmardale/coursehub-backend/internal/app"
)

func serveCmd() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops HTTP server, optionally with an embedded worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.RunServer(ctx) })
			if withWorker {
				g.Go(func() error { return a.RunWorker(ctx) })
			}
			if err := g.Wait(); err != nil && ctx.Err() == nil {
				return err
			}
			a.Log.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the job worker pool in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.Log.Info("worker pool starting",
				"queues", a.Cfg.Queue.Order,
				"concurrency", a.Cfg.Queue.WorkerConcurrency)
			if err := a.RunWorker(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			a.Log.Info("worker pool stopped")
			return nil
		},
	}
}
