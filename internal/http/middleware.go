package http

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"pagesift/internal/apperr"
	"pagesift/internal/metrics"
	"pagesift/internal/model"
)

// requestMiddleware assigns a request ID, logs the request, and records
// latency metrics. An X-Request-ID from the client is honored so callers
// can correlate across systems.
func requestMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := strings.TrimSpace(c.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Route().Path
		if path == "" || path == "/" {
			path = c.Path()
		}

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", c.Path(),
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
		return err
	}
}

// apiKeyMiddleware validates the X-API-Key header and attaches the
// resolved key to the context as "api_key".
func (s *Server) apiKeyMiddleware(c *fiber.Ctx) error {
	raw := strings.TrimSpace(c.Get("X-API-Key"))
	if raw == "" {
		return writeError(c, apperr.New(apperr.CodeUnauthorized, "missing X-API-Key header"))
	}

	key, err := s.keys.GetAPIKeyByRawKey(c.Context(), raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return writeError(c, apperr.New(apperr.CodeUnauthorized, "invalid or revoked API key"))
		}
		return writeError(c, apperr.Wrap(apperr.CodeInternal, "API key lookup failed", err))
	}
	if !key.IsActive {
		return writeError(c, apperr.New(apperr.CodeUnauthorized, "invalid or revoked API key"))
	}

	// Best effort; a failed touch must not fail the request.
	_ = s.keys.TouchAPIKeyLastUsed(c.Context(), key.ID)

	c.Locals("api_key", key)
	return c.Next()
}

// requireScope gates a route on one scope. Admin-scoped keys pass every
// check.
func requireScope(scope model.Scope) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key, ok := c.Locals("api_key").(model.APIKey)
		if !ok {
			return writeError(c, apperr.New(apperr.CodeUnauthorized, "no API key in request context"))
		}
		if !key.HasScope(scope) {
			return writeError(c, apperr.Newf(apperr.CodeForbidden, "key lacks the %q scope", scope))
		}
		return c.Next()
	}
}

// rateLimitMiddleware enforces the per-key sliding-window limit. A
// rejected request carries a Retry-After hint in whole seconds.
func (s *Server) rateLimitMiddleware(c *fiber.Ctx) error {
	if s.limiter == nil {
		return c.Next()
	}
	key, ok := c.Locals("api_key").(model.APIKey)
	if !ok {
		return writeError(c, apperr.New(apperr.CodeUnauthorized, "no API key in request context"))
	}

	limit := key.RateLimit
	if limit <= 0 {
		limit = s.config.RateLimit.DefaultPerMinute
	}
	if limit <= 0 {
		return c.Next()
	}

	allowed, retryAfter, err := s.limiter.Allow(c.Context(), key.ID.String(), limit)
	if err != nil {
		// Fail open: a limiter backend outage must not take the API down.
		s.logger.Warn("rate_limiter_error", "error", err)
		return c.Next()
	}
	if !allowed {
		metrics.RecordRateLimited()
		secs := int(math.Ceil(retryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Set("Retry-After", fmt.Sprintf("%d", secs))
		return writeError(c, apperr.New(apperr.CodeRateLimited, "rate limit exceeded").
			WithDetails(map[string]any{"retry_after_seconds": secs}))
	}
	return c.Next()
}

// adminMiddleware gates the admin surface on the configured shared
// secret. With no secret configured the surface is disabled outright.
func (s *Server) adminMiddleware(c *fiber.Ctx) error {
	secret := s.config.Auth.AdminKey
	if secret == "" {
		return writeError(c, apperr.New(apperr.CodeForbidden, "admin API is not configured"))
	}
	provided := c.Get("X-Admin-Key")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
		return writeError(c, apperr.New(apperr.CodeUnauthorized, "invalid admin key"))
	}
	return c.Next()
}
