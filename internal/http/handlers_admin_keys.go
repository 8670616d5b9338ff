package http

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"pagesift/internal/apperr"
	"pagesift/internal/model"
)

var validScopes = map[model.Scope]bool{
	model.ScopeScrape: true,
	model.ScopeMap:    true,
	model.ScopeSearch: true,
	model.ScopeAgent:  true,
	model.ScopeAdmin:  true,
}

func parseScopes(raw []string) ([]model.Scope, error) {
	scopes := make([]model.Scope, 0, len(raw))
	for _, s := range raw {
		scope := model.Scope(strings.TrimSpace(s))
		if !validScopes[scope] {
			return nil, apperr.Newf(apperr.CodeValidation, "unknown scope %q", s)
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

// handleCreateKey mints a new API key. The plaintext key appears in
// this response only; the store keeps its hash.
func (s *Server) handleCreateKey(c *fiber.Ctx) error {
	var req createKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
	}
	if strings.TrimSpace(req.Name) == "" {
		return writeError(c, apperr.New(apperr.CodeValidation, "name is required"))
	}
	if len(req.Scopes) == 0 {
		return writeError(c, apperr.New(apperr.CodeValidation, "at least one scope is required"))
	}
	scopes, err := parseScopes(req.Scopes)
	if err != nil {
		return writeError(c, err)
	}

	raw, key, err := s.keys.CreateAPIKey(c.Context(), req.Name, scopes, req.RateLimitPerMinute)
	if err != nil {
		return writeError(c, apperr.Wrap(apperr.CodeInternal, "create API key", err))
	}

	return c.Status(fiber.StatusCreated).JSON(createKeyResponse{
		apiKeyView: viewAPIKey(key),
		Key:        raw,
	})
}

func (s *Server) handleListKeys(c *fiber.Ctx) error {
	keys, err := s.keys.ListAPIKeys(c.Context())
	if err != nil {
		return writeError(c, apperr.Wrap(apperr.CodeInternal, "list API keys", err))
	}
	out := make([]apiKeyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, viewAPIKey(k))
	}
	return c.JSON(fiber.Map{"keys": out})
}

func parseKeyID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.CodeValidation, "key id must be a UUID")
	}
	return id, nil
}

func (s *Server) handleGetKey(c *fiber.Ctx) error {
	id, err := parseKeyID(c)
	if err != nil {
		return writeError(c, err)
	}
	key, err := s.keys.GetAPIKeyByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return writeError(c, apperr.New(apperr.CodeNotFound, "API key not found"))
		}
		return writeError(c, apperr.Wrap(apperr.CodeInternal, "get API key", err))
	}
	return c.JSON(viewAPIKey(key))
}

func (s *Server) handleUpdateKey(c *fiber.Ctx) error {
	id, err := parseKeyID(c)
	if err != nil {
		return writeError(c, err)
	}

	var req updateKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
	}

	var scopes []model.Scope
	if req.Scopes != nil {
		scopes, err = parseScopes(req.Scopes)
		if err != nil {
			return writeError(c, err)
		}
		if len(scopes) == 0 {
			return writeError(c, apperr.New(apperr.CodeValidation, "scopes cannot be emptied"))
		}
	}

	key, err := s.keys.UpdateAPIKey(c.Context(), id, req.Name, scopes, req.RateLimitPerMinute, req.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return writeError(c, apperr.New(apperr.CodeNotFound, "API key not found"))
		}
		return writeError(c, apperr.Wrap(apperr.CodeInternal, "update API key", err))
	}
	return c.JSON(viewAPIKey(key))
}

func (s *Server) handleRevokeKey(c *fiber.Ctx) error {
	id, err := parseKeyID(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := s.keys.RevokeAPIKey(c.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return writeError(c, apperr.New(apperr.CodeNotFound, "API key not found"))
		}
		return writeError(c, apperr.Wrap(apperr.CodeInternal, "revoke API key", err))
	}
	return c.SendStatus(fiber.StatusNoContent)
}
