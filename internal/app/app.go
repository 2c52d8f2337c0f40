package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/tmardale/coursehub-backend/internal/batch"
	"github.com/tmardale/coursehub-backend/internal/cache"
	"github.com/tmardale/coursehub-backend/internal/config"
	"github.com/tmardale/coursehub-backend/internal/data/db"
	"github.com/tmardale/coursehub-backend/internal/data/repos/batches"
	"github.com/tmardale/coursehub-backend/internal/data/repos/courses"
	"github.com/tmardale/coursehub-backend/internal/data/repos/jobs"
	"github.com/tmardale/coursehub-backend/internal/data/repos/pipelines"
	"github.com/tmardale/coursehub-backend/internal/observability"
	"github.com/tmardale/coursehub-backend/internal/pipeline"
	"github.com/tmardale/coursehub-backend/internal/pipeline/material"
	"github.com/tmardale/coursehub-backend/internal/pipeline/submission"
	"github.com/tmardale/coursehub-backend/internal/platform/bucket"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
	"github.com/tmardale/coursehub-backend/internal/platform/mailer"
	"github.com/tmardale/coursehub-backend/internal/queue"
	"github.com/tmardale/coursehub-backend/internal/server"
	"github.com/tmardale/coursehub-backend/internal/services"
)

// App is the fully wired process: repositories, queue engine, pipelines,
// batch coordination, cache and the ops router. Serve and worker roles
// share the same wiring and differ only in what they start.
type App struct {
	Log     *logger.Logger
	Cfg     *config.Config
	DB      *gorm.DB
	Router  *gin.Engine
	Worker  *queue.Worker
	Metrics *observability.Metrics

	JobRepo jobs.JobRepo
	Orch    *pipeline.Orchestrator
	Intake  *material.Intake
	Batch   *batch.Coordinator
	Cache   *cache.Coordinator
	Warmer  *services.CacheWarmer

	rdb *redis.Client
	gcs *bucket.GCSService
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log, cfg.DatabaseURL)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	gdb := pg.DB()

	a := &App{Log: log, Cfg: cfg, DB: gdb, Metrics: observability.NewMetrics()}

	// Redis backs the cache and the mailer rate window. Without an address
	// both fall back to in-process equivalents, which is enough for a
	// single-node deployment.
	var backend cache.Backend
	var limiter queue.RateLimiter
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		backend = cache.NewRedisBackend(a.rdb)
		limiter = queue.NewRedisRateLimiter(a.rdb, cfg.RateLimits)
	} else {
		log.Warn("no redis address configured, using in-process cache and rate limits")
		backend = cache.NewMemoryBackend()
		limiter = queue.NewMemoryRateLimiter(cfg.RateLimits)
	}

	jobRepo := jobs.NewJobRepo(gdb, log)
	runRepo := pipelines.NewPipelineRunRepo(gdb, log)
	batchRepo := batches.NewBatchRepo(gdb, log)
	courseRepo := courses.NewCourseRepo(gdb, log)
	materialRepo := courses.NewMaterialRepo(gdb, log)
	enrollmentRepo := courses.NewEnrollmentRepo(gdb, log)
	assignmentRepo := courses.NewAssignmentRepo(gdb, log)
	submissionRepo := courses.NewSubmissionRepo(gdb, log)
	certificateRepo := courses.NewCertificateRepo(gdb, log)

	engine := queue.NewEngine(jobRepo, log, cfg.Queue.DefaultMaxAttempts)
	store := cache.NewStore(backend, log, a.Metrics, cfg.Cache.DefaultTTL.Std(), cfg.Cache.GuardTimeout.Std())
	cacheCoord := cache.NewCoordinator(store, log)
	a.Cache = cacheCoord
	a.Warmer = services.NewCacheWarmer(store, materialRepo, enrollmentRepo, log)

	var objectStore bucket.Service
	if cfg.Storage.PrivateBucket != "" {
		gcs, err := bucket.NewGCSService(context.Background(), bucket.Config{
			PublicBucket:       cfg.Storage.PublicBucket,
			PrivateBucket:      cfg.Storage.PrivateBucket,
			MultipartThreshold: cfg.Storage.MultipartThreshold,
			SignedURLTTL:       cfg.Storage.SignedURLTTL.Std(),
		}, log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		a.gcs = gcs
		objectStore = gcs
	} else {
		log.Warn("no bucket configured, using in-memory object storage")
		objectStore = bucket.NewMemoryService()
	}

	notifier := services.NewNotifier(mailer.NewClient(cfg.Mailer, log), log)

	orch := pipeline.NewOrchestrator(runRepo, engine, cacheCoord, log)
	materialDeps := material.Deps{
		Materials:   materialRepo,
		Enrollments: enrollmentRepo,
		Courses:     courseRepo,
		Store:       objectStore,
		Engine:      engine,
		Extractor:   material.BasicExtractor{},
		Thumbnailer: material.PassthroughThumbnailer{},
		Log:         log,
	}
	orch.MustDefine(material.Definition(materialDeps))
	a.Intake = material.NewIntake(materialDeps, orch, material.DefaultMaxUploadBytes)
	orch.MustDefine(submission.Definition(submission.Deps{
		Submissions: submissionRepo,
		Scorer:      submission.SeededScorer{},
		Log:         log,
	}))
	a.Orch = orch

	batchCoord := batch.NewCoordinator(batchRepo, engine, log, a.Metrics,
		cfg.Batch.DefaultChunkSize, cfg.Batch.FailureSampleLimit)
	batchCoord.MustRegisterHandler(batch.NewEnrollmentHandler(enrollmentRepo, courseRepo, cacheCoord, engine))
	batchCoord.MustRegisterHandler(batch.NewCertificateHandler(certificateRepo, courseRepo, engine))
	batchCoord.MustRegisterHandler(batch.NewReminderHandler(assignmentRepo, courseRepo, engine))
	a.Batch = batchCoord

	registry := queue.NewRegistry()
	registry.MustRegister(orch.StageJobHandler())
	registry.MustRegister(batchCoord.ChunkJobHandler())
	registry.MustRegister(services.NewEmailJobHandler(notifier))

	a.Worker = queue.NewWorker(jobRepo, registry, limiter, log, a.Metrics, queue.WorkerConfig{
		Queues:       cfg.Queue.Order,
		Concurrency:  cfg.Queue.WorkerConcurrency,
		PollInterval: cfg.Queue.PollInterval.Std(),
		Visibility:   cfg.Queue.VisibilityTimeout.Std(),
		BackoffFor:   cfg.BackoffFor,
	})
	a.JobRepo = jobRepo

	if cfg.LogMode == "prod" || cfg.LogMode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	a.Router = server.NewRouter(server.RouterConfig{
		Ops: server.NewOpsHandler(jobRepo, runRepo, batchRepo, orch, batchCoord,
			cacheCoord, a.Warmer, log),
		Materials: server.NewMaterialHandler(a.Intake, log),
		Metrics:   a.Metrics,
	})

	return a, nil
}

// RunServer serves the ops surface until ctx is cancelled, then drains
// in-flight requests.
func (a *App) RunServer(ctx context.Context) error {
	srv := &http.Server{Addr: a.Cfg.Server.Addr, Handler: a.Router}
	errc := make(chan error, 1)
	go func() {
		a.Log.Info("http server listening", "addr", a.Cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// RunWorker runs the worker pool until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	return a.Worker.Start(ctx)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.gcs != nil {
		_ = a.gcs.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
