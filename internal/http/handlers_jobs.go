package http

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"pagesift/internal/agent"
	"pagesift/internal/apperr"
	"pagesift/internal/crawler"
	"pagesift/internal/model"
)

// submitJob enqueues one async job. An idempotent replay answers 200
// with X-Idempotency-Hit so clients can tell a fresh enqueue from a
// coalesced one.
func (s *Server) submitJob(c *fiber.Ctx, jobType model.JobType, params json.RawMessage, force bool) error {
	key, ok := c.Locals("api_key").(model.APIKey)
	if !ok {
		return writeError(c, apperr.New(apperr.CodeUnauthorized, "no API key in request context"))
	}

	idemKey := strings.TrimSpace(c.Get("X-Idempotency-Key"))
	job, replay, err := s.jobs.Submit(c.Context(), key.ID, jobType, params, idemKey, force)
	if err != nil {
		return writeError(c, err)
	}

	status := fiber.StatusAccepted
	if replay {
		status = fiber.StatusOK
		c.Set("X-Idempotency-Hit", "true")
	}
	return c.Status(status).JSON(submitResponse{
		JobID:  job.ID.String(),
		Status: string(job.Status),
	})
}

// handleMap enqueues a breadth-first site crawl.
func (s *Server) handleMap(c *fiber.Ctx) error {
	var p crawler.Params
	if err := c.BodyParser(&p); err != nil {
		return writeError(c, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
	}
	if strings.TrimSpace(p.URL) == "" {
		return writeError(c, apperr.New(apperr.CodeValidation, "url is required"))
	}
	return s.submitJob(c, model.JobTypeMap, json.RawMessage(c.Body()), p.Force)
}

// handleAgentExtract enqueues an LLM extraction job.
func (s *Server) handleAgentExtract(c *fiber.Ctx) error {
	var p agent.Params
	if err := c.BodyParser(&p); err != nil {
		return writeError(c, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
	}
	if strings.TrimSpace(p.URL) == "" {
		return writeError(c, apperr.New(apperr.CodeValidation, "url is required"))
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return writeError(c, apperr.New(apperr.CodeValidation, "prompt is required"))
	}
	return s.submitJob(c, model.JobTypeAgentExtract, json.RawMessage(c.Body()), false)
}

// jobRequest resolves the path id and the authenticated key. Job reads
// are always scoped to the caller's key; other tenants' jobs look like
// they do not exist.
func jobRequest(c *fiber.Ctx) (uuid.UUID, uuid.UUID, error) {
	key, ok := c.Locals("api_key").(model.APIKey)
	if !ok {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.CodeUnauthorized, "no API key in request context")
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.CodeValidation, "job id must be a UUID")
	}
	return key.ID, id, nil
}

func (s *Server) handleJobStatus(c *fiber.Ctx) error {
	keyID, id, err := jobRequest(c)
	if err != nil {
		return writeError(c, err)
	}
	job, err := s.jobs.Status(c.Context(), keyID, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(viewJob(job))
}

// handleJobResults returns the job output; non-terminal jobs answer 409
// so clients keep polling.
func (s *Server) handleJobResults(c *fiber.Ctx) error {
	keyID, id, err := jobRequest(c)
	if err != nil {
		return writeError(c, err)
	}
	res, err := s.jobs.Results(c.Context(), keyID, id)
	if err != nil {
		return writeError(c, err)
	}

	out := jobResultsResponse{Job: viewJob(res.Job)}
	for _, jp := range res.Pages {
		out.Pages = append(out.Pages, jobPageView{
			Depth: jp.Depth,
			Page:  viewPage(jp.Page, true, false),
		})
	}
	if res.Extraction != nil {
		out.Extraction = &extractionView{
			Data:      res.Extraction.Data,
			Prompt:    res.Extraction.Prompt,
			CreatedAt: res.Extraction.CreatedAt,
		}
	}
	for _, ev := range res.Events {
		out.Events = append(out.Events, eventView{
			Type:      ev.EventType,
			Level:     string(ev.Level),
			Message:   ev.Message,
			CreatedAt: ev.CreatedAt,
		})
	}
	return c.JSON(out)
}

func (s *Server) handleJobCancel(c *fiber.Ctx) error {
	keyID, id, err := jobRequest(c)
	if err != nil {
		return writeError(c, err)
	}
	job, err := s.jobs.Cancel(c.Context(), keyID, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(viewJob(job))
}
