package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/metrics"
)

// Handler executes one claimed job.
type Handler func(ctx context.Context, job *Job) (Outcome, error)

// Registry maps job kinds to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[Kind]Handler{}}
}

// Register installs h for kind, replacing any previous handler.
func (r *Registry) Register(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Retryable reports whether a handler error is worth another attempt. Caller
// mistakes and bad input fail the same way every time.
func Retryable(err error) bool {
	for _, perm := range []error{errs.ErrInvalidRequest, errs.ErrNotFound, errs.ErrParse, errs.ErrDecode, errs.ErrCompile} {
		if errors.Is(err, perm) {
			return false
		}
	}
	return true
}

// WorkerPool processes queued jobs using a pool of goroutines.
type WorkerPool struct {
	store    *JobStore
	registry *Registry
	cfg      *JobConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(store *JobStore, registry *Registry, cfg *JobConfig, m *metrics.Metrics, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &WorkerPool{
		store:    store,
		registry: registry,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// Run spawns cfg.Concurrency workers that poll for jobs. It blocks until the
// context is cancelled, then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("job worker pool disabled")
		return
	}

	wp.logger.Info("job worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("job worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("job worker pool stopped")
}

// Drain processes queued jobs on the calling goroutine until none is left.
// It returns the number of jobs it ran.
func (wp *WorkerPool) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		ran, err := wp.processOne(ctx, -1)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	wp.logger.Info("worker started", "workerID", workerID)

	for {
		select {
		case <-ctx.Done():
			wp.logger.Info("worker stopped", "workerID", workerID)
			return
		case <-ticker.C:
			if _, err := wp.processOne(ctx, workerID); err != nil {
				wp.logger.Error("failed to claim job", "workerID", workerID, "error", err)
			}
		}
	}
}

// processOne claims and runs a single job. It reports whether a job was claimed.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) (bool, error) {
	job, err := wp.store.Claim(ctx, wp.cfg.MaxRetries)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := wp.logger.With("workerID", workerID, "jobID", job.ID, "kind", job.Kind)
	log.Info("processing job", "attempt", job.AttemptCount)

	handler, ok := wp.registry.Lookup(job.Kind)
	if !ok {
		errMsg := fmt.Sprintf("no handler for job kind %q", job.Kind)
		log.Error(errMsg)
		wp.metrics.Job(string(job.Kind), false)
		if err := wp.store.Fail(ctx, job.ID, errMsg, wp.cfg.MaxRetries, false); err != nil {
			log.Error("failed to mark job as failed", "error", err)
		}
		return true, nil
	}

	start := time.Now()
	out, err := handler(ctx, job)
	wp.metrics.Job(string(job.Kind), err == nil)
	if err != nil {
		retry := Retryable(err)
		log.Error("job failed", "error", err, "errorKind", errs.Kind(err), "retryable", retry)
		if failErr := wp.store.Fail(ctx, job.ID, err.Error(), wp.cfg.MaxRetries, retry); failErr != nil {
			log.Error("failed to mark job as failed", "error", failErr)
		}
		return true, nil
	}

	duration := time.Since(start)
	log.Info("job completed",
		"succeeded", out.Succeeded,
		"failed", out.Failed,
		"duration", duration.String())

	if err := wp.store.Complete(ctx, job.ID, out, duration.Milliseconds()); err != nil {
		log.Error("failed to mark job as complete", "error", err)
	}
	return true, nil
}

// cleanupLoop periodically recovers stuck jobs and deletes old finished ones.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.cleanup(ctx)
		}
	}
}

func (wp *WorkerPool) cleanup(ctx context.Context) {
	if wp.cfg.ClaimTimeout > 0 {
		recovered, err := wp.store.CleanupStuckJobs(ctx, wp.cfg.ClaimTimeout)
		if err != nil {
			wp.logger.Error("failed to cleanup stuck jobs", "error", err)
		} else if recovered > 0 {
			wp.logger.Info("recovered stuck jobs", "count", recovered)
		}
	}

	if wp.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
		deleted, err := wp.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			wp.logger.Error("failed to delete old jobs", "error", err)
		} else if deleted > 0 {
			wp.logger.Info("deleted old jobs", "count", deleted)
		}
	}
}
