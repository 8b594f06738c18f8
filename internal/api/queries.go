package api

import (
	"github.com/basekick-labs/deltat/internal/queryregistry"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// QueriesHandler lists and cancels value queries tracked by the registry
type QueriesHandler struct {
	registry *queryregistry.Registry
	logger   zerolog.Logger
}

// NewQueriesHandler creates the handler
func NewQueriesHandler(registry *queryregistry.Registry, logger zerolog.Logger) *QueriesHandler {
	return &QueriesHandler{
		registry: registry,
		logger:   logger.With().Str("component", "queries-handler").Logger(),
	}
}

// RegisterRoutes registers the query management endpoints
func (h *QueriesHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/api/v1/queries", h.list)
	app.Get("/api/v1/queries/:id", h.get)
	app.Delete("/api/v1/queries/:id", h.cancel)
}

// list returns running queries and the most recent finished ones (?limit=, default 20)
func (h *QueriesHandler) list(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must not be negative")
	}
	active := h.registry.GetActive()
	return c.JSON(fiber.Map{
		"active":       active,
		"active_count": len(active),
		"history":      h.registry.GetHistory(limit),
	})
}

func (h *QueriesHandler) get(c *fiber.Ctx) error {
	q := h.registry.GetQuery(c.Params("id"))
	if q == nil {
		return fiber.NewError(fiber.StatusNotFound, "query not found")
	}
	return c.JSON(q)
}

func (h *QueriesHandler) cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.registry.Cancel(id) {
		if h.registry.GetQuery(id) != nil {
			return fiber.NewError(fiber.StatusConflict, "query is not running")
		}
		return fiber.NewError(fiber.StatusNotFound, "query not found")
	}
	return c.JSON(fiber.Map{"id": id, "status": queryregistry.StatusCancelled})
}
