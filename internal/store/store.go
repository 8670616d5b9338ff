package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pagesift/internal/model"
)

// Store wraps access to the database with hand-written SQL over a
// shared pooled *sql.DB.
type Store struct {
	DB *sql.DB
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// HashAPIKey hashes a raw API key string using SHA-256 and returns a hex string.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// textArray renders a string slice as a Postgres array literal so it
// can be bound as a plain text parameter and cast with ::text[].
func textArray(vals []string) string {
	if len(vals) == 0 {
		return "{}"
	}
	quoted := make([]string, 0, len(vals))
	for _, v := range vals {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `"`, `\"`)
		quoted = append(quoted, `"`+v+`"`)
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

// scanTextArray decodes the array_to_json(...)::text projection of a
// text[] column back into a string slice.
func scanTextArray(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, fmt.Errorf("decode text array: %w", err)
	}
	return out, nil
}

func scopesToStrings(scopes []model.Scope) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, string(s))
	}
	return out
}

func stringsToScopes(vals []string) []model.Scope {
	out := make([]model.Scope, 0, len(vals))
	for _, v := range vals {
		out = append(out, model.Scope(v))
	}
	return out
}

// --- API keys ---

const apiKeyColumns = `id, key_hash, name, array_to_json(scopes)::text, rate_limit, is_active, created_at, last_used_at`

func scanAPIKey(row *sql.Row) (model.APIKey, error) {
	var k model.APIKey
	var scopesRaw sql.NullString
	var lastUsed sql.NullTime

	err := row.Scan(&k.ID, &k.KeyHash, &k.Name, &scopesRaw, &k.RateLimit, &k.IsActive, &k.CreatedAt, &lastUsed)
	if err != nil {
		return model.APIKey{}, err
	}

	vals, err := scanTextArray(scopesRaw)
	if err != nil {
		return model.APIKey{}, err
	}
	k.Scopes = stringsToScopes(vals)
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return k, nil
}

// CreateAPIKey inserts a new API key and returns the raw key exactly once.
func (s *Store) CreateAPIKey(ctx context.Context, name string, scopes []model.Scope, rateLimit int) (string, model.APIKey, error) {
	raw := "ps_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	hash := HashAPIKey(raw)
	id, err := uuid.NewV7()
	if err != nil {
		return "", model.APIKey{}, err
	}

	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, key_hash, name, scopes, rate_limit)
		VALUES ($1, $2, $3, $4::text[], $5)
		RETURNING `+apiKeyColumns,
		id, hash, name, textArray(scopesToStrings(scopes)), rateLimit)

	key, err := scanAPIKey(row)
	if err != nil {
		return "", model.APIKey{}, err
	}
	return raw, key, nil
}

// GetAPIKeyByRawKey looks up an active API key by its raw value.
func (s *Store) GetAPIKeyByRawKey(ctx context.Context, rawKey string) (model.APIKey, error) {
	hash := HashAPIKey(rawKey)
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1 AND is_active = TRUE`, hash)
	return scanAPIKey(row)
}

// GetAPIKeyByID fetches a key by id regardless of active flag.
func (s *Store) GetAPIKeyByID(ctx context.Context, id uuid.UUID) (model.APIKey, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id)
	return scanAPIKey(row)
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		var scopesRaw sql.NullString
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.KeyHash, &k.Name, &scopesRaw, &k.RateLimit, &k.IsActive, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		vals, err := scanTextArray(scopesRaw)
		if err != nil {
			return nil, err
		}
		k.Scopes = stringsToScopes(vals)
		if lastUsed.Valid {
			t := lastUsed.Time
			k.LastUsedAt = &t
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateAPIKey patches mutable fields; nil pointers leave the column unchanged.
func (s *Store) UpdateAPIKey(ctx context.Context, id uuid.UUID, name *string, scopes []model.Scope, rateLimit *int, isActive *bool) (model.APIKey, error) {
	var scopesArg sql.NullString
	if scopes != nil {
		scopesArg = sql.NullString{String: textArray(scopesToStrings(scopes)), Valid: true}
	}
	var nameArg sql.NullString
	if name != nil {
		nameArg = sql.NullString{String: *name, Valid: true}
	}
	var rlArg sql.NullInt32
	if rateLimit != nil {
		rlArg = sql.NullInt32{Int32: int32(*rateLimit), Valid: true}
	}
	var activeArg sql.NullBool
	if isActive != nil {
		activeArg = sql.NullBool{Bool: *isActive, Valid: true}
	}

	row := s.DB.QueryRowContext(ctx, `
		UPDATE api_keys SET
			name = COALESCE($2, name),
			scopes = COALESCE($3::text[], scopes),
			rate_limit = COALESCE($4, rate_limit),
			is_active = COALESCE($5, is_active)
		WHERE id = $1
		RETURNING `+apiKeyColumns,
		id, nameArg, scopesArg, rlArg, activeArg)
	return scanAPIKey(row)
}

// RevokeAPIKey soft-deletes a key by clearing its active flag.
func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchAPIKeyLastUsed records key usage. Best-effort; callers ignore errors.
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// --- Pages ---

const pageColumns = `id, url, canonical_url, url_hash, content_hash, status_code, title, description,
	markdown, raw_html, renderer, array_to_json(links_internal)::text, array_to_json(links_external)::text,
	og_image, favicon_url, site_name, language, author, published_at,
	word_count, read_time_minutes, fetch_duration_ms, fetched_at, error_code, error_message`

func scanPage(scan func(dest ...any) error) (model.Page, error) {
	var p model.Page
	var contentHash, rawHTML sql.NullString
	var internal, external sql.NullString
	var renderer string

	err := scan(&p.ID, &p.URL, &p.CanonicalURL, &p.URLHash, &contentHash, &p.StatusCode, &p.Title, &p.Description,
		&p.Markdown, &rawHTML, &renderer, &internal, &external,
		&p.OgImage, &p.FaviconURL, &p.SiteName, &p.Language, &p.Author, &p.PublishedAt,
		&p.WordCount, &p.ReadTimeMinutes, &p.FetchDurationMs, &p.FetchedAt, &p.ErrorCode, &p.ErrorMessage)
	if err != nil {
		return model.Page{}, err
	}

	p.ContentHash = contentHash.String
	p.RawHTML = rawHTML.String
	p.Renderer = model.Renderer(renderer)
	if p.LinksInternal, err = scanTextArray(internal); err != nil {
		return model.Page{}, err
	}
	if p.LinksExternal, err = scanTextArray(external); err != nil {
		return model.Page{}, err
	}
	return p, nil
}

// GetPageByURLHash fetches the cached page for a canonical URL, if any.
func (s *Store) GetPageByURLHash(ctx context.Context, urlHash string) (model.Page, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE url_hash = $1`, urlHash)
	return scanPage(row.Scan)
}

// GetPageByContentHash returns any page whose normalized markdown hashes
// to contentHash. Used for cross-URL content reuse after redirects.
func (s *Store) GetPageByContentHash(ctx context.Context, contentHash string) (model.Page, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+pageColumns+` FROM pages WHERE content_hash = $1 ORDER BY fetched_at DESC LIMIT 1`, contentHash)
	return scanPage(row.Scan)
}

// UpsertPage writes a page keyed by url_hash, last-writer-wins. The
// stored row id is written back into p.
func (s *Store) UpsertPage(ctx context.Context, p *model.Page) error {
	if p.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		p.ID = id
	}
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now().UTC()
	}

	var contentHash sql.NullString
	if p.ContentHash != "" {
		contentHash = sql.NullString{String: p.ContentHash, Valid: true}
	}
	var rawHTML sql.NullString
	if p.RawHTML != "" {
		rawHTML = sql.NullString{String: p.RawHTML, Valid: true}
	}

	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO pages (id, url, canonical_url, url_hash, content_hash, status_code, title, description,
			markdown, raw_html, renderer, links_internal, links_external,
			og_image, favicon_url, site_name, language, author, published_at,
			word_count, read_time_minutes, fetch_duration_ms, fetched_at, error_code, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::text[], $13::text[],
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (url_hash) DO UPDATE SET
			url = EXCLUDED.url,
			canonical_url = EXCLUDED.canonical_url,
			content_hash = EXCLUDED.content_hash,
			status_code = EXCLUDED.status_code,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			markdown = EXCLUDED.markdown,
			raw_html = EXCLUDED.raw_html,
			renderer = EXCLUDED.renderer,
			links_internal = EXCLUDED.links_internal,
			links_external = EXCLUDED.links_external,
			og_image = EXCLUDED.og_image,
			favicon_url = EXCLUDED.favicon_url,
			site_name = EXCLUDED.site_name,
			language = EXCLUDED.language,
			author = EXCLUDED.author,
			published_at = EXCLUDED.published_at,
			word_count = EXCLUDED.word_count,
			read_time_minutes = EXCLUDED.read_time_minutes,
			fetch_duration_ms = EXCLUDED.fetch_duration_ms,
			fetched_at = EXCLUDED.fetched_at,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message
		RETURNING id`,
		p.ID, p.URL, p.CanonicalURL, p.URLHash, contentHash, p.StatusCode, p.Title, p.Description,
		p.Markdown, rawHTML, string(p.Renderer), textArray(p.LinksInternal), textArray(p.LinksExternal),
		p.OgImage, p.FaviconURL, p.SiteName, p.Language, p.Author, p.PublishedAt,
		p.WordCount, p.ReadTimeMinutes, p.FetchDurationMs, p.FetchedAt, p.ErrorCode, p.ErrorMessage)

	return row.Scan(&p.ID)
}

// --- Jobs ---

const jobColumns = `id, api_key_id, type, status, input_params, idempotency_key, result,
	error_code, error_message, pages_discovered, pages_total, reclaims, cancel_requested,
	created_at, started_at, heartbeat_at, completed_at`

func scanJob(scan func(dest ...any) error) (model.Job, error) {
	var j model.Job
	var jobType, status string
	var idem sql.NullString
	var result []byte
	var started, heartbeat, completed sql.NullTime

	err := scan(&j.ID, &j.APIKeyID, &jobType, &status, &j.InputParams, &idem, &result,
		&j.ErrorCode, &j.ErrorMessage, &j.PagesDiscovered, &j.PagesTotal, &j.Reclaims, &j.CancelRequested,
		&j.CreatedAt, &started, &heartbeat, &completed)
	if err != nil {
		return model.Job{}, err
	}

	j.Type = model.JobType(jobType)
	j.Status = model.JobStatus(status)
	j.IdempotencyKey = idem.String
	j.Result = result
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if heartbeat.Valid {
		t := heartbeat.Time
		j.HeartbeatAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// InsertJob enqueues a new job in status queued.
func (s *Store) InsertJob(ctx context.Context, apiKeyID uuid.UUID, jobType model.JobType, params json.RawMessage, idempotencyKey string) (model.Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.Job{}, err
	}

	var idem sql.NullString
	if idempotencyKey != "" {
		idem = sql.NullString{String: idempotencyKey, Valid: true}
	}

	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO jobs (id, api_key_id, type, status, input_params, idempotency_key)
		VALUES ($1, $2, $3, 'queued', $4, $5)
		RETURNING `+jobColumns,
		id, apiKeyID, string(jobType), []byte(params), idem)
	return scanJob(row.Scan)
}

// GetJobByID fetches a single job.
func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row.Scan)
}

// GetJobByIdempotencyKey returns the prior job submitted with the same
// (api_key_id, idempotency_key), regardless of status.
func (s *Store) GetJobByIdempotencyKey(ctx context.Context, apiKeyID uuid.UUID, key string) (model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE api_key_id = $1 AND idempotency_key = $2`, apiKeyID, key)
	return scanJob(row.Scan)
}

// ClaimQueuedJob atomically transitions the oldest queued job to running
// and returns it. SKIP LOCKED keeps concurrent workers from contending;
// at most one worker claims any job. Returns sql.ErrNoRows when idle.
func (s *Store) ClaimQueuedJob(ctx context.Context) (model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', started_at = now(), heartbeat_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns)
	return scanJob(row.Scan)
}

// HeartbeatJob refreshes the worker lease and progress counters.
func (s *Store) HeartbeatJob(ctx context.Context, id uuid.UUID, discovered, total int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = now(), pages_discovered = $2, pages_total = $3
		WHERE id = $1 AND status = 'running'`, id, discovered, total)
	return err
}

// CompleteJob marks a running job completed with its result blob.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = now(), result = $2
		WHERE id = $1 AND status = 'running'`, id, []byte(result))
	return err
}

// FailJob marks a running job failed with a typed error.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, code, message string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', completed_at = now(), error_code = $2, error_message = $3
		WHERE id = $1 AND status IN ('running', 'queued')`, id, code, message)
	return err
}

// MarkJobCancelled transitions a queued job directly to cancelled.
// Returns false when the job was not in queued state.
func (s *Store) MarkJobCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequestJobCancel flags a running job for cooperative cancellation.
func (s *Store) RequestJobCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = TRUE
		WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// JobCancelRequested reads the cooperative cancel flag.
func (s *Store) JobCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag bool
	err := s.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flag)
	return flag, err
}

// FinishCancelledJob records the worker's observation of a cancel request.
func (s *Store) FinishCancelledJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status = 'running'`, id)
	return err
}

// CountQueuedJobs returns the current queue depth for backpressure checks.
func (s *Store) CountQueuedJobs(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'queued'`).Scan(&n)
	return n, err
}

// ReapStalledJobs requeues running jobs whose heartbeat is older than
// the lease, once per job; a second stall marks them failed with
// WORKER_STALLED. Returns (requeued, failed).
func (s *Store) ReapStalledJobs(ctx context.Context, lease time.Duration) (int64, int64, error) {
	cutoff := time.Now().UTC().Add(-lease)

	requeueRes, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', started_at = NULL, heartbeat_at = NULL, reclaims = reclaims + 1
		WHERE status = 'running' AND heartbeat_at < $1 AND reclaims = 0`, cutoff)
	if err != nil {
		return 0, 0, err
	}
	requeued, _ := requeueRes.RowsAffected()

	failRes, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', completed_at = now(),
			error_code = 'WORKER_STALLED', error_message = 'worker lease expired twice'
		WHERE status = 'running' AND heartbeat_at < $1 AND reclaims > 0`, cutoff)
	if err != nil {
		return requeued, 0, err
	}
	failed, _ := failRes.RowsAffected()

	return requeued, failed, nil
}

// DeleteExpiredJobs removes terminal jobs older than the cutoff.
// job_pages, events, and extractions cascade.
func (s *Store) DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Job pages ---

// InsertJobPage links a page to a job at the given crawl depth.
// Duplicate links within one job are ignored.
func (s *Store) InsertJobPage(ctx context.Context, jobID, pageID uuid.UUID, depth int) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO job_pages (job_id, page_id, depth)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id, page_id) DO NOTHING`, jobID, pageID, depth)
	return err
}

// JobPageResult pairs a crawled page with its depth in the crawl tree.
type JobPageResult struct {
	Page  model.Page
	Depth int
}

// ListJobPages fetches every page a job visited, shallowest first.
func (s *Store) ListJobPages(ctx context.Context, jobID uuid.UUID) ([]JobPageResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+pageColumns+`, jp.depth
		FROM job_pages jp JOIN pages ON pages.id = jp.page_id
		WHERE jp.job_id = $1
		ORDER BY jp.depth, pages.fetched_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobPageResult
	for rows.Next() {
		var r JobPageResult
		var depth int
		page, err := scanPage(func(dest ...any) error {
			dest = append(dest, &depth)
			return rows.Scan(dest...)
		})
		if err != nil {
			return nil, err
		}
		r.Page = page
		r.Depth = depth
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Events ---

// InsertEvent appends an audit event.
func (s *Store) InsertEvent(ctx context.Context, apiKeyID, jobID *uuid.UUID, eventType string, level model.EventLevel, message string, metadata json.RawMessage) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}

	var keyArg, jobArg any
	if apiKeyID != nil {
		keyArg = *apiKeyID
	}
	if jobID != nil {
		jobArg = *jobID
	}
	var metaArg any
	if len(metadata) > 0 {
		metaArg = []byte(metadata)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO events (id, api_key_id, job_id, event_type, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, keyArg, jobArg, eventType, string(level), message, metaArg)
	return err
}

// ListEventsByJob returns a job's events oldest first.
func (s *Store) ListEventsByJob(ctx context.Context, jobID uuid.UUID) ([]model.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, api_key_id, job_id, event_type, level, message, metadata, created_at
		FROM events WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var keyID, jID uuid.NullUUID
		var level string
		var metadata []byte
		if err := rows.Scan(&e.ID, &keyID, &jID, &e.EventType, &level, &e.Message, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if keyID.Valid {
			v := keyID.UUID
			e.APIKeyID = &v
		}
		if jID.Valid {
			v := jID.UUID
			e.JobID = &v
		}
		e.Level = model.EventLevel(level)
		e.Metadata = metadata
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Extractions ---

// InsertExtraction persists the structured output of an agent job.
func (s *Store) InsertExtraction(ctx context.Context, jobID uuid.UUID, pageID *uuid.UUID, data json.RawMessage, prompt string) (model.Extraction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.Extraction{}, err
	}

	var pageArg any
	if pageID != nil {
		pageArg = *pageID
	}

	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO extractions (id, job_id, page_id, data, prompt)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, job_id, page_id, data, prompt, created_at`,
		id, jobID, pageArg, []byte(data), prompt)

	var e model.Extraction
	var pID uuid.NullUUID
	var data2 []byte
	if err := row.Scan(&e.ID, &e.JobID, &pID, &data2, &e.Prompt, &e.CreatedAt); err != nil {
		return model.Extraction{}, err
	}
	if pID.Valid {
		v := pID.UUID
		e.PageID = &v
	}
	e.Data = data2
	return e, nil
}

// GetExtractionByJob returns the extraction produced by an agent job.
func (s *Store) GetExtractionByJob(ctx context.Context, jobID uuid.UUID) (model.Extraction, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, job_id, page_id, data, prompt, created_at
		FROM extractions WHERE job_id = $1 ORDER BY created_at DESC LIMIT 1`, jobID)

	var e model.Extraction
	var pID uuid.NullUUID
	var data []byte
	if err := row.Scan(&e.ID, &e.JobID, &pID, &data, &e.Prompt, &e.CreatedAt); err != nil {
		return model.Extraction{}, err
	}
	if pID.Valid {
		v := pID.UUID
		e.PageID = &v
	}
	e.Data = data
	return e, nil
}
