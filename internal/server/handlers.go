package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/XueJourney/mail-agent/internal/database"
)

func (s *Server) handleStats(c *fiber.Ctx) error {
	stats, err := s.store.Stats(c.Context())
	if err != nil {
		s.logger.Error("stats query failed", "error", err)
		return fail(c, fiber.StatusInternalServerError, "failed to compute stats")
	}
	return ok(c, stats)
}

func (s *Server) handleSearch(c *fiber.Ctx) error {
	filter := database.Filter{
		Query:   c.Query("q"),
		Account: c.Query("account"),
		Limit:   c.QueryInt("limit"),
		Offset:  c.QueryInt("offset"),
	}
	if v := c.Query("unread"); v != "" {
		unread := v == "true" || v == "1"
		filter.Unread = &unread
	}

	emails, err := s.store.Search(c.Context(), filter)
	if err != nil {
		s.logger.Error("search failed", "error", err)
		return fail(c, fiber.StatusInternalServerError, "search failed")
	}
	return ok(c, fiber.Map{"emails": emails, "count": len(emails)})
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid email id")
	}

	email, err := s.store.GetByID(c.Context(), int64(id))
	if errors.Is(err, database.ErrNotFound) {
		return fail(c, fiber.StatusNotFound, "email not found")
	}
	if err != nil {
		s.logger.Error("get failed", "error", err, "id", id)
		return fail(c, fiber.StatusInternalServerError, "failed to load email")
	}
	return ok(c, email)
}

type readRequest struct {
	Read *bool `json:"read"`
}

func (s *Server) handleSetRead(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid email id")
	}

	var req readRequest
	if err := c.BodyParser(&req); err != nil || req.Read == nil {
		return fail(c, fiber.StatusBadRequest, "body must contain a boolean \"read\" field")
	}

	changed, err := s.store.SetRead(c.Context(), int64(id), *req.Read)
	if err != nil {
		s.logger.Error("set read failed", "error", err, "id", id)
		return fail(c, fiber.StatusInternalServerError, "failed to update read state")
	}
	if changed == 0 {
		return fail(c, fiber.StatusNotFound, "email not found")
	}
	return ok(c, fiber.Map{"changed": changed})
}

type starRequest struct {
	Starred *bool `json:"starred"`
}

func (s *Server) handleSetStarred(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid email id")
	}

	var req starRequest
	if err := c.BodyParser(&req); err != nil || req.Starred == nil {
		return fail(c, fiber.StatusBadRequest, "body must contain a boolean \"starred\" field")
	}

	changed, err := s.store.SetStarred(c.Context(), int64(id), *req.Starred)
	if err != nil {
		s.logger.Error("set starred failed", "error", err, "id", id)
		return fail(c, fiber.StatusInternalServerError, "failed to update starred state")
	}
	if changed == 0 {
		return fail(c, fiber.StatusNotFound, "email not found")
	}
	return ok(c, fiber.Map{"changed": changed})
}

type batchReadRequest struct {
	IDs     []int64 `json:"ids"`
	Account string  `json:"account"`
	Read    *bool   `json:"read"`
}

// handleSetReadBatch mutates the read flag for either an id list or a
// whole account; ids win when both are supplied.
func (s *Server) handleSetReadBatch(c *fiber.Ctx) error {
	var req batchReadRequest
	if err := c.BodyParser(&req); err != nil || req.Read == nil {
		return fail(c, fiber.StatusBadRequest, "body must contain a boolean \"read\" field")
	}

	changed, err := s.store.SetReadBatch(c.Context(), req.IDs, req.Account, *req.Read)
	if errors.Is(err, database.ErrInvalidFilter) {
		return fail(c, fiber.StatusBadRequest, "either \"ids\" or \"account\" is required")
	}
	if err != nil {
		s.logger.Error("batch set read failed", "error", err)
		return fail(c, fiber.StatusInternalServerError, "failed to update read state")
	}
	return ok(c, fiber.Map{"changed": changed})
}
