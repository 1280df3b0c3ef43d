package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/XueJourney/mail-agent/internal/database"
	"github.com/XueJourney/mail-agent/internal/ingest"
	"github.com/XueJourney/mail-agent/pkg/models"
)

// Store is the store surface the HTTP layer consumes.
type Store interface {
	InsertIfAbsent(ctx context.Context, e *models.Email) (bool, error)
	Search(ctx context.Context, f database.Filter) ([]models.EmailSummary, error)
	GetByID(ctx context.Context, id int64) (*models.Email, error)
	SetRead(ctx context.Context, id int64, read bool) (int64, error)
	SetStarred(ctx context.Context, id int64, starred bool) (int64, error)
	SetReadBatch(ctx context.Context, ids []int64, account string, read bool) (int64, error)
	Stats(ctx context.Context) ([]models.AccountStats, error)
}

// Server is the HTTP surface: query/mutation API plus the webhook
// ingestion gateway.
type Server struct {
	app    *fiber.App
	store  Store
	norm   *ingest.Normalizer
	token  string
	logger *slog.Logger
}

// New builds the fiber app and registers all routes. An empty token is
// insecure mode: every endpoint is open.
func New(store Store, norm *ingest.Normalizer, token string, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		norm:   norm,
		token:  token,
		logger: logger.With("component", "server"),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "mail-agent",
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(s.requireToken)

	if token == "" {
		s.logger.Warn("API token not configured; running in insecure mode, all endpoints are unauthenticated")
	}

	api := app.Group("/api")
	api.Get("/stats", s.handleStats)
	api.Get("/emails", s.handleSearch)
	// Batch route before the :id routes so "read" is not taken as an id
	api.Patch("/emails/read", s.handleSetReadBatch)
	api.Get("/emails/:id", s.handleGet)
	api.Patch("/emails/:id/read", s.handleSetRead)
	api.Patch("/emails/:id/star", s.handleSetStarred)

	app.Post("/webhook", s.handleWebhook)

	s.app = app
	return s
}

// Listen blocks serving the API until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// requireToken gates every route on the configured bearer token.
func (s *Server) requireToken(c *fiber.Ctx) error {
	if s.token == "" {
		return c.Next()
	}

	auth := c.Get(fiber.HeaderAuthorization)
	bearer, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(bearer), []byte(s.token)) != 1 {
		return fail(c, fiber.StatusUnauthorized, "invalid or missing bearer token")
	}
	return c.Next()
}

type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(c *fiber.Ctx, data interface{}) error {
	return c.JSON(response{Success: true, Data: data})
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(response{Success: false, Error: msg})
}
