package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/yarawesome/yarawesome/pkg/config"
	"github.com/yarawesome/yarawesome/pkg/db"
	"github.com/yarawesome/yarawesome/pkg/ingest"
	"github.com/yarawesome/yarawesome/pkg/jobs"
	"github.com/yarawesome/yarawesome/pkg/match"
	"github.com/yarawesome/yarawesome/pkg/metrics"
	"github.com/yarawesome/yarawesome/pkg/rules"
	"github.com/yarawesome/yarawesome/pkg/scans"
	"github.com/yarawesome/yarawesome/pkg/search"
)

// app holds every wired component for one process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	rules   *rules.RuleStore
	index   *search.Client
	ingest  *ingest.Service
	engine  *match.Engine
	scans   *scans.Store
	runner  *scans.Runner
	jobs    *jobs.JobStore
	workers *jobs.WorkerPool
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := slog.Default()

	gormDB, err := db.Open(db.Config{Type: cfg.Database.Type, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, gormDB, logger); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	ruleStore := rules.NewRuleStore(gormDB)
	resolver := rules.NewCollectionResolver(gormDB, cfg.Collections.IconCount)
	index := search.NewClient(search.Config{
		URI:       cfg.Search.URI,
		User:      cfg.Search.User,
		Password:  cfg.Search.Password,
		ChunkSize: cfg.Search.BulkChunkSize,
		Timeout:   cfg.Search.Timeout,
	}, m, logger)
	svc := ingest.NewService(ruleStore, resolver, index, ingest.Options{
		ChunkSize: cfg.Search.BulkChunkSize,
		Metrics:   m,
		Logger:    logger,
	})

	engine := match.NewEngine(match.EngineConfig{CacheSize: cfg.Match.CacheSize, CacheTTL: cfg.Match.CacheTTL}, logger)
	scanStore := scans.NewStore(gormDB)
	runner := scans.NewRunner(scanStore, ruleStore, engine, m, logger)

	jobStore := jobs.NewJobStore(gormDB)
	taskRegistry := jobs.NewRegistry()
	jobs.RegisterTasks(taskRegistry, jobs.TaskDeps{
		Rules:     svc,
		Scans:     runner,
		UploadDir: cfg.Paths.UploadDir,
		GitToken:  cfg.Git.Token,
		Logger:    logger,
	})
	jobCfg := (&jobs.JobConfig{
		Concurrency:   cfg.Jobs.Concurrency,
		MaxRetries:    cfg.Jobs.MaxRetries,
		PollInterval:  cfg.Jobs.PollInterval,
		ClaimTimeout:  cfg.Jobs.ClaimTimeout,
		RetentionDays: cfg.Jobs.RetentionDays,
		Enabled:       cfg.Jobs.Enabled,
	}).Normalize()

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       gormDB,
		registry: reg,
		metrics:  m,
		rules:    ruleStore,
		index:    index,
		ingest:   svc,
		engine:   engine,
		scans:    scanStore,
		runner:   runner,
		jobs:     jobStore,
		workers:  jobs.NewWorkerPool(jobStore, taskRegistry, jobCfg, m, logger),
	}, nil
}

func (a *app) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// submit queues a job for the daemon and prints its id.
func (a *app) submit(ctx context.Context, kind jobs.Kind, owner string, payload any, key string) (*jobs.Job, error) {
	job, err := jobs.Submit(ctx, a.jobs, kind, owner, payload, key)
	if err != nil {
		return nil, err
	}
	a.logger.Info("job queued", "jobID", job.ID, "kind", job.Kind)
	return job, nil
}
