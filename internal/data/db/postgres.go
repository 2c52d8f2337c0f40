package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/tmardale/coursehub-backend/internal/domain"
	"github.com/tmardale/coursehub-backend/internal/platform/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(baseLog *logger.Logger, dsn string) (*PostgresService, error) {
	if dsn == "" {
		return nil, fmt.Errorf("missing DATABASE_URL")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresService{
		db:  gdb,
		log: baseLog.With("service", "PostgresService"),
	}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

func (s *PostgresService) AutoMigrateAll() error {
	return AutoMigrateAll(s.db)
}

// AutoMigrateAll migrates every durable table. Job, pipeline_run, batch and
// batch_chunk must survive restart; in-flight work cannot be silently lost.
func AutoMigrateAll(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&domain.Job{},
		&domain.PipelineRun{},
		&domain.Batch{},
		&domain.BatchChunk{},

		&domain.Course{},
		&domain.Enrollment{},
		&domain.Material{},
		&domain.Assignment{},
		&domain.Submission{},
		&domain.Certificate{},
	)
}
