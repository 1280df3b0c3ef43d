package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/XueJourney/mail-agent/internal/ingest"
)

// handleWebhook is the push ingestion gateway. Payloads carry either an
// embedded raw message (base64, optionally gzip) or structured fields;
// both go through the normalizer and the same insert-if-absent path as
// IMAP ingestion.
func (s *Server) handleWebhook(c *fiber.Ctx) error {
	var payload ingest.WebhookMessage
	if err := c.BodyParser(&payload); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid JSON payload")
	}
	if payload.RawBase64 == "" && payload.From == "" && payload.Subject == "" && payload.BodyText == "" && payload.BodyHTML == "" {
		return fail(c, fiber.StatusBadRequest, "payload must contain raw_base64 or structured message fields")
	}

	email, err := s.norm.FromWebhook(&payload)
	if errors.Is(err, ingest.ErrUndecodable) {
		return fail(c, fiber.StatusBadRequest, "message could not be decoded")
	}
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	stored, err := s.store.InsertIfAbsent(c.Context(), email)
	if err != nil {
		s.logger.Error("webhook insert failed", "error", err, "message_id", email.MessageID)
		return fail(c, fiber.StatusInternalServerError, "failed to store message")
	}

	s.logger.Info("webhook message ingested",
		"message_id", email.MessageID,
		"account", email.Account,
		"stored", stored,
	)
	return ok(c, fiber.Map{
		"stored":     stored,
		"id":         email.ID,
		"message_id": email.MessageID,
	})
}
