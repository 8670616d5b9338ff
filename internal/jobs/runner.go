package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"pagesift/internal/apperr"
	"pagesift/internal/metrics"
	"pagesift/internal/model"
)

// ProgressFunc lets a runner report crawl progress while a job runs.
// Counters are flushed to the database on the heartbeat cadence.
type ProgressFunc func(discovered, total int)

// Runner executes one job of a given type and returns its result
// payload. A context cancellation means the job was cancelled or the
// worker is shutting down; the runner should stop promptly.
type Runner interface {
	Run(ctx context.Context, job model.Job, progress ProgressFunc) ([]byte, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, job model.Job, progress ProgressFunc) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, job model.Job, progress ProgressFunc) ([]byte, error) {
	return f(ctx, job, progress)
}

const (
	defaultPoolSize     = 4
	defaultPollInterval = 2 * time.Second
	defaultHeartbeat    = 2 * time.Second
	defaultLease        = 10 * time.Minute
)

// Worker polls the jobs table, claims queued jobs, and drives them to a
// terminal state. It also runs the lease reaper and TTL cleanup.
type Worker struct {
	store             Store
	runners           map[model.JobType]Runner
	poolSize          int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	lease             time.Duration
	retentionTTL      time.Duration
	cleanupInterval   time.Duration
	logger            *slog.Logger
}

// WorkerOptions configures a Worker. Zero values fall back to defaults;
// RetentionTTL zero disables TTL cleanup.
type WorkerOptions struct {
	Store             Store
	Runners           map[model.JobType]Runner
	PoolSize          int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Lease             time.Duration
	RetentionTTL      time.Duration
	CleanupInterval   time.Duration
	Logger            *slog.Logger
}

func NewWorker(opts WorkerOptions) *Worker {
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		store:             opts.Store,
		runners:           opts.Runners,
		poolSize:          opts.PoolSize,
		pollInterval:      opts.PollInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		lease:             opts.Lease,
		retentionTTL:      opts.RetentionTTL,
		cleanupInterval:   opts.CleanupInterval,
		logger:            opts.Logger,
	}
}

// Start launches the polling loop. Callers typically run this in its
// own goroutine and cancel the context on shutdown.
func (w *Worker) Start(ctx context.Context) {
	sem := make(chan struct{}, w.poolSize)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var lastReap, lastCleanup time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()

		// Reclaim jobs whose worker stopped heartbeating. Half the
		// lease keeps reclaim latency bounded without hammering the
		// table on every poll.
		if lastReap.IsZero() || now.Sub(lastReap) >= w.lease/2 {
			w.reap(ctx)
			lastReap = now
		}

		if w.retentionTTL > 0 && (lastCleanup.IsZero() || now.Sub(lastCleanup) >= w.cleanupInterval) {
			w.cleanup(ctx)
			lastCleanup = now
		}

		// Claim up to the free pool capacity. Each claim is an atomic
		// queued -> running transition, so concurrent workers never
		// pick up the same job.
		for len(sem) < w.poolSize {
			job, err := w.store.ClaimQueuedJob(ctx)
			if err != nil {
				if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
					w.logger.Warn("claim_failed", "error", err)
				}
				break
			}

			sem <- struct{}{}
			go func(job model.Job) {
				defer func() { <-sem }()
				w.runJob(ctx, job)
			}(job)
		}
	}
}

func (w *Worker) runJob(ctx context.Context, job model.Job) {
	metrics.RecordJob(string(job.Type), string(model.JobRunning))
	w.logger.Info("job_started", "job_id", job.ID, "type", string(job.Type), "reclaims", job.Reclaims)

	runner, ok := w.runners[job.Type]
	if !ok {
		msg := "no runner registered for job type " + string(job.Type)
		_ = w.store.FailJob(ctx, job.ID, string(apperr.CodeInternal), msg)
		metrics.RecordJob(string(job.Type), string(model.JobFailed))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var discovered, total atomic.Int64
	progress := func(d, t int) {
		discovered.Store(int64(d))
		total.Store(int64(t))
	}

	// Heartbeat loop: flush progress and watch for a cancel request.
	// Cancelling jobCtx tells the runner to stop at its next check.
	var cancelRequested atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		hb := time.NewTicker(w.heartbeatInterval)
		defer hb.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-hb.C:
			}

			if err := w.store.HeartbeatJob(ctx, job.ID, int(discovered.Load()), int(total.Load())); err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat_failed", "job_id", job.ID, "error", err)
			}

			if requested, err := w.store.JobCancelRequested(ctx, job.ID); err == nil && requested {
				cancelRequested.Store(true)
				cancel()
				return
			}
		}
	}()

	result, runErr := runner.Run(jobCtx, job, progress)
	cancel()
	<-hbDone

	// Use a fresh context for the final transition; the worker context
	// may already be gone during shutdown.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	switch {
	case runErr == nil:
		if err := w.store.CompleteJob(finishCtx, job.ID, result); err != nil {
			w.logger.Error("complete_failed", "job_id", job.ID, "error", err)
			return
		}
		_ = w.store.HeartbeatJob(finishCtx, job.ID, int(discovered.Load()), int(total.Load()))
		metrics.RecordJob(string(job.Type), string(model.JobCompleted))
		_ = w.store.InsertEvent(finishCtx, nil, &job.ID, "job_completed", model.EventInfo,
			fmt.Sprintf("%s job completed", job.Type), nil)
		w.logger.Info("job_completed", "job_id", job.ID, "type", string(job.Type))

	case cancelRequested.Load():
		if err := w.store.FinishCancelledJob(finishCtx, job.ID); err != nil {
			w.logger.Error("finish_cancel_failed", "job_id", job.ID, "error", err)
			return
		}
		metrics.RecordJob(string(job.Type), string(model.JobCancelled))
		_ = w.store.InsertEvent(finishCtx, nil, &job.ID, "job_cancelled", model.EventInfo, "cancelled during execution", nil)
		w.logger.Info("job_cancelled", "job_id", job.ID)

	case errors.Is(runErr, context.Canceled) && ctx.Err() != nil:
		// Worker shutdown. Leave the row running; the reaper requeues
		// it once the lease expires.
		w.logger.Info("job_interrupted", "job_id", job.ID)

	default:
		code := apperr.CodeOf(runErr)
		if err := w.store.FailJob(finishCtx, job.ID, string(code), runErr.Error()); err != nil {
			w.logger.Error("fail_failed", "job_id", job.ID, "error", err)
			return
		}
		metrics.RecordJob(string(job.Type), string(model.JobFailed))
		_ = w.store.InsertEvent(finishCtx, nil, &job.ID, "job_failed", model.EventError, runErr.Error(), nil)
		w.logger.Warn("job_failed", "job_id", job.ID, "code", string(code), "error", runErr)
	}
}

// reap requeues jobs with an expired lease once and fails them on a
// second stall so a poisoned input cannot loop forever.
func (w *Worker) reap(ctx context.Context) {
	requeued, failed, err := w.store.ReapStalledJobs(ctx, w.lease)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("reap_failed", "error", err)
		}
		return
	}
	if requeued > 0 || failed > 0 {
		metrics.RecordReaper(requeued, failed)
		w.logger.Info("reaped_stalled_jobs", "requeued", requeued, "failed", failed)
	}
}

// cleanup deletes terminal jobs older than the retention TTL.
func (w *Worker) cleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.retentionTTL)
	n, err := w.store.DeleteExpiredJobs(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("retention_cleanup_failed", "error", err)
		}
		return
	}
	if n > 0 {
		metrics.RecordRetentionJobs(n)
		w.logger.Info("retention_cleanup", "jobs_deleted", n)
	}
}
