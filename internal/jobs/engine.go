package jobs

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pagesift/internal/apperr"
	"pagesift/internal/metrics"
	"pagesift/internal/model"
	"pagesift/internal/store"
)

// Store is the persistence surface the job engine needs.
type Store interface {
	InsertJob(ctx context.Context, apiKeyID uuid.UUID, jobType model.JobType, params json.RawMessage, idempotencyKey string) (model.Job, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (model.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, apiKeyID uuid.UUID, key string) (model.Job, error)
	ClaimQueuedJob(ctx context.Context) (model.Job, error)
	HeartbeatJob(ctx context.Context, id uuid.UUID, discovered, total int) error
	CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	FailJob(ctx context.Context, id uuid.UUID, code, message string) error
	MarkJobCancelled(ctx context.Context, id uuid.UUID) (bool, error)
	RequestJobCancel(ctx context.Context, id uuid.UUID) (bool, error)
	JobCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	FinishCancelledJob(ctx context.Context, id uuid.UUID) error
	CountQueuedJobs(ctx context.Context) (int, error)
	ReapStalledJobs(ctx context.Context, lease time.Duration) (int64, int64, error)
	DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error)
	ListJobPages(ctx context.Context, jobID uuid.UUID) ([]store.JobPageResult, error)
	GetExtractionByJob(ctx context.Context, jobID uuid.UUID) (model.Extraction, error)
	InsertEvent(ctx context.Context, apiKeyID, jobID *uuid.UUID, eventType string, level model.EventLevel, message string, metadata json.RawMessage) error
	ListEventsByJob(ctx context.Context, jobID uuid.UUID) ([]model.Event, error)
}

// Engine accepts jobs, answers status queries, and mediates cancellation.
// Execution happens in the Worker, which may run in the same process or
// a separate one sharing the database.
type Engine struct {
	store         Store
	highWatermark int
	logger        *slog.Logger
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Store Store
	// QueueHighWatermark is the queued-job count at which submissions
	// are rejected. Zero disables backpressure.
	QueueHighWatermark int
	Logger             *slog.Logger
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:         opts.Store,
		highWatermark: opts.QueueHighWatermark,
		logger:        opts.Logger,
	}
}

// Submit enqueues a job, or returns the existing one when the same
// idempotency key was seen before. The returned bool reports a replay.
// When the client supplies no key, one is derived from the key ID, the
// job type, and the canonicalized parameters, so byte-equivalent
// resubmissions coalesce. Force skips the idempotency lookup.
func (e *Engine) Submit(ctx context.Context, apiKeyID uuid.UUID, jobType model.JobType, params json.RawMessage, idempotencyKey string, force bool) (model.Job, bool, error) {
	if e.highWatermark > 0 {
		queued, err := e.store.CountQueuedJobs(ctx)
		if err != nil {
			return model.Job{}, false, apperr.Wrap(apperr.CodeInternal, "count queued jobs", err)
		}
		if queued >= e.highWatermark {
			return model.Job{}, false, apperr.New(apperr.CodeQueueFull, "job queue is at capacity, retry later").
				WithDetails(map[string]any{"queued": queued, "limit": e.highWatermark})
		}
	}

	key := idempotencyKey
	if key == "" {
		key = deriveIdempotencyKey(apiKeyID, jobType, params)
	}

	if !force {
		if existing, err := e.store.GetJobByIdempotencyKey(ctx, apiKeyID, key); err == nil {
			return existing, true, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, false, apperr.Wrap(apperr.CodeInternal, "idempotency lookup", err)
		}
	}

	job, err := e.store.InsertJob(ctx, apiKeyID, jobType, params, key)
	if err != nil {
		// A concurrent submission with the same key can win the race;
		// the unique index makes the insert fail, so fall back to the
		// existing row.
		if !force {
			if existing, lerr := e.store.GetJobByIdempotencyKey(ctx, apiKeyID, key); lerr == nil {
				return existing, true, nil
			}
		}
		return model.Job{}, false, apperr.Wrap(apperr.CodeInternal, "insert job", err)
	}

	metrics.RecordJob(string(jobType), string(model.JobQueued))
	_ = e.store.InsertEvent(ctx, &apiKeyID, &job.ID, "job_submitted", model.EventInfo,
		fmt.Sprintf("%s job queued", jobType), nil)

	e.logger.Info("job_submitted", "job_id", job.ID, "type", string(jobType))
	return job, false, nil
}

// Status fetches the current row for a job. Jobs owned by a different
// API key answer NOT_FOUND so key IDs cannot be probed across tenants.
func (e *Engine) Status(ctx context.Context, apiKeyID, id uuid.UUID) (model.Job, error) {
	job, err := e.store.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, apperr.New(apperr.CodeNotFound, "job not found")
		}
		return model.Job{}, apperr.Wrap(apperr.CodeInternal, "get job", err)
	}
	if job.APIKeyID != apiKeyID {
		return model.Job{}, apperr.New(apperr.CodeNotFound, "job not found")
	}
	return job, nil
}

// Results bundles everything a terminal job produced.
type Results struct {
	Job        model.Job
	Pages      []store.JobPageResult
	Extraction *model.Extraction
	Events     []model.Event
}

// Results returns the job output once the job reaches a terminal state.
// Non-terminal jobs return JOB_NOT_TERMINAL so clients keep polling.
func (e *Engine) Results(ctx context.Context, apiKeyID, id uuid.UUID) (*Results, error) {
	job, err := e.Status(ctx, apiKeyID, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, apperr.New(apperr.CodeJobNotTerminal, "job is still "+string(job.Status)).
			WithDetails(map[string]any{"status": string(job.Status)})
	}

	res := &Results{Job: job}

	pages, err := e.store.ListJobPages(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "list job pages", err)
	}
	res.Pages = pages

	if job.Type == model.JobTypeAgentExtract {
		ext, err := e.store.GetExtractionByJob(ctx, id)
		if err == nil {
			res.Extraction = &ext
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Wrap(apperr.CodeInternal, "get extraction", err)
		}
	}

	events, err := e.store.ListEventsByJob(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "list job events", err)
	}
	res.Events = events

	return res, nil
}

// Cancel moves a queued job straight to cancelled, or flags a running
// job for cooperative cancellation. Terminal jobs are returned as is.
func (e *Engine) Cancel(ctx context.Context, apiKeyID, id uuid.UUID) (model.Job, error) {
	job, err := e.Status(ctx, apiKeyID, id)
	if err != nil {
		return model.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	if job.Status == model.JobQueued {
		cancelled, err := e.store.MarkJobCancelled(ctx, id)
		if err != nil {
			return model.Job{}, apperr.Wrap(apperr.CodeInternal, "cancel queued job", err)
		}
		if cancelled {
			metrics.RecordJob(string(job.Type), string(model.JobCancelled))
			_ = e.store.InsertEvent(ctx, nil, &id, "job_cancelled", model.EventInfo, "cancelled before execution", nil)
			return e.Status(ctx, apiKeyID, id)
		}
		// A worker claimed it between our read and the update; fall
		// through to the running path.
	}

	if _, err := e.store.RequestJobCancel(ctx, id); err != nil {
		return model.Job{}, apperr.Wrap(apperr.CodeInternal, "request cancel", err)
	}
	_ = e.store.InsertEvent(ctx, nil, &id, "job_cancel_requested", model.EventInfo, "cancellation requested", nil)
	return e.Status(ctx, apiKeyID, id)
}

// deriveIdempotencyKey canonicalizes the parameters (sorted object keys)
// and hashes them together with the key ID and job type.
func deriveIdempotencyKey(apiKeyID uuid.UUID, jobType model.JobType, params json.RawMessage) string {
	canonical := canonicalJSON(params)
	sum := sha256.Sum256([]byte(apiKeyID.String() + ":" + string(jobType) + ":" + canonical))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON round-trips through interface{} so that object keys
// serialize sorted regardless of the client's field order.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
