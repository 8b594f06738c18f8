package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/deltat/internal/deltat"
	"github.com/basekick-labs/deltat/internal/ingest"
	"github.com/basekick-labs/deltat/internal/metrics"
	"github.com/basekick-labs/deltat/internal/queryregistry"
	"github.com/basekick-labs/deltat/pkg/models"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// MIMEMsgpack selects MessagePack request and response bodies
const MIMEMsgpack = "application/msgpack"

// Store is the part of the storage engine the HTTP surface uses
type Store interface {
	Insert(sample models.PointSample)
	Pending() int
	Count(ctx context.Context) (int64, error)
	Get(ctx context.Context, start, end time.Time) ([]models.PointSample, error)
	GetEntity(ctx context.Context, entityID string, start, end time.Time) ([]models.PointSample, error)
	GetInterval(ctx context.Context, start, end time.Time, interval time.Duration) ([]models.PointSample, error)
	GetEntityInterval(ctx context.Context, entityID string, start, end time.Time, interval time.Duration) ([]models.PointSample, error)
	DeleteEntity(ctx context.Context, entityID string) (int64, error)
	Flush(ctx context.Context) (deltat.FlushStats, error)
}

// HeaderQueryID carries the registry id of a value query
const HeaderQueryID = "X-Query-ID"

// ValuesHandler serves sample ingestion and range queries
type ValuesHandler struct {
	store    Store
	decoder  *ingest.Decoder
	registry *queryregistry.Registry
	logger   zerolog.Logger
}

// NewValuesHandler creates the handler
func NewValuesHandler(store Store, decoder *ingest.Decoder, logger zerolog.Logger) *ValuesHandler {
	return &ValuesHandler{
		store:   store,
		decoder: decoder,
		logger:  logger.With().Str("component", "values-handler").Logger(),
	}
}

// SetQueryRegistry makes value queries trackable and cancellable
func (h *ValuesHandler) SetQueryRegistry(r *queryregistry.Registry) {
	h.registry = r
}

// RegisterRoutes registers the value endpoints
func (h *ValuesHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/api/v1/values", h.write)
	app.Get("/api/v1/values", h.query)
	app.Get("/api/v1/values/count", h.count)
	app.Delete("/api/v1/entities/:entity", h.deleteEntity)
	app.Post("/api/v1/flush", h.flush)
}

// ValueResponse is one reconstructed or resampled point state
type ValueResponse struct {
	EntityID  string    `json:"entity_id" msgpack:"entity_id"`
	Name      string    `json:"name,omitempty" msgpack:"name,omitempty"`
	Unit      string    `json:"unit,omitempty" msgpack:"unit,omitempty"`
	Priority  int       `json:"priority" msgpack:"priority"`
	Value     string    `json:"value" msgpack:"value"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Flags     uint32    `json:"flags" msgpack:"flags"`
	FlagNames string    `json:"flag_names,omitempty" msgpack:"flag_names,omitempty"`

	// Slots are set with ?full=true
	Values     *[models.SlotCount]string    `json:"values,omitempty" msgpack:"values,omitempty"`
	Timestamps *[models.SlotCount]time.Time `json:"timestamps,omitempty" msgpack:"timestamps,omitempty"`
}

func toResponse(s *models.PointSample, full bool) ValueResponse {
	r := ValueResponse{
		EntityID:  s.EntityID,
		Name:      s.Name,
		Unit:      s.Unit,
		Priority:  s.Priority,
		Value:     s.EffectiveValue(),
		Timestamp: s.EffectiveTime(),
		Flags:     uint32(s.Flags),
		FlagNames: s.Flags.String(),
	}
	if full {
		values, timestamps := s.Values, s.Timestamps
		r.Values, r.Timestamps = &values, &timestamps
	}
	return r
}

// write accepts one sample or an array of samples as JSON or MessagePack,
// optionally gzip compressed. Samples are queued, not yet persisted.
func (h *ValuesHandler) write(c *fiber.Ctx) error {
	m := metrics.Get()
	// Raw body: gzip is detected and bounded by the decoder
	body := c.Request().Body()
	m.IncIngestBytes(int64(len(body)))

	if len(body) == 0 {
		m.IncIngestErrors()
		return fiber.NewError(fiber.StatusBadRequest, "empty request body")
	}

	samples, err := h.decoder.Decode(body)
	if err != nil {
		m.IncIngestErrors()
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	for _, s := range samples {
		h.store.Insert(s)
	}
	m.IncIngestSamples(int64(len(samples)))

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"queued":  len(samples),
		"pending": h.store.Pending(),
	})
}

// query reconstructs states in [start, end]; with interval they are resampled.
// Parameters: start, end (RFC3339 or unix ms), interval (Go duration or ms),
// entity, full.
func (h *ValuesHandler) query(c *fiber.Ctx) error {
	start, err := parseTime(c.Query("start"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid start: %v", err))
	}
	end, err := parseTime(c.Query("end"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid end: %v", err))
	}
	var interval time.Duration
	if raw := c.Query("interval"); raw != "" {
		if interval, err = parseInterval(raw); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid interval: %v", err))
		}
		if interval <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, deltat.ErrInvalidInterval.Error())
		}
	}
	entity := c.Query("entity")

	ctx := c.UserContext()
	var states []models.PointSample
	if h.registry != nil {
		var id string
		id, ctx = h.registry.Register(ctx, queryregistry.Request{
			EntityID:   entity,
			Start:      start,
			End:        end,
			Interval:   interval,
			RemoteAddr: c.IP(),
		})
		c.Set(HeaderQueryID, id)
		defer func() { h.registry.Finish(id, len(states), err) }()
	}

	switch {
	case interval > 0 && entity != "":
		states, err = h.store.GetEntityInterval(ctx, entity, start, end, interval)
	case interval > 0:
		states, err = h.store.GetInterval(ctx, start, end, interval)
	case entity != "":
		states, err = h.store.GetEntity(ctx, entity, start, end)
	default:
		states, err = h.store.Get(ctx, start, end)
	}
	if err != nil {
		return storeError(err)
	}

	full := c.QueryBool("full", false)
	out := make([]ValueResponse, len(states))
	for i := range states {
		out[i] = toResponse(&states[i], full)
	}

	resp := fiber.Map{"count": len(out), "values": out}
	if strings.Contains(c.Get(fiber.HeaderAccept), MIMEMsgpack) {
		b, merr := msgpack.Marshal(resp)
		if merr != nil {
			return merr
		}
		c.Set(fiber.HeaderContentType, MIMEMsgpack)
		return c.Send(b)
	}
	return c.JSON(resp)
}

func (h *ValuesHandler) count(c *fiber.Ctx) error {
	n, err := h.store.Count(c.UserContext())
	if err != nil {
		return storeError(err)
	}
	return c.JSON(fiber.Map{
		"base_records": n,
		"pending":      h.store.Pending(),
	})
}

func (h *ValuesHandler) deleteEntity(c *fiber.Ctx) error {
	entity := c.Params("entity")
	if entity == "" {
		return fiber.NewError(fiber.StatusBadRequest, "entity is required")
	}

	n, err := h.store.DeleteEntity(c.UserContext(), entity)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(fiber.Map{
		"entity_id":    entity,
		"base_records": n,
	})
}

// flush runs one cycle now. 409 when a cycle is already running.
func (h *ValuesHandler) flush(c *fiber.Ctx) error {
	stats, err := h.store.Flush(c.UserContext())
	if err != nil {
		var ferr *deltat.FlushError
		if errors.As(err, &ferr) {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":     ferr.Err.Error(),
				"cycle":     ferr.Cycle,
				"processed": ferr.Processed,
				"lost":      ferr.Lost,
			})
		}
		return err
	}
	if stats.Skipped {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "flush already in progress"})
	}

	return c.JSON(fiber.Map{
		"cycle":     stats.Cycle,
		"dequeued":  stats.Dequeued,
		"processed": stats.Processed,
		"dropped":   stats.Dropped,
		"remaining": stats.Remaining,
	})
}

// storeError maps validation errors to 400 and aborted queries to 504 or 409
func storeError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusGatewayTimeout, "query timed out")
	case errors.Is(err, context.Canceled):
		return fiber.NewError(fiber.StatusConflict, "query cancelled")
	case errors.Is(err, deltat.ErrInvalidInterval),
		errors.Is(err, deltat.ErrInvalidRange),
		errors.Is(err, deltat.ErrInvalidPriority):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return err
	}
}

// parseTime accepts RFC3339 or integer unix milliseconds. Empty is the zero
// time, which leaves that side of a range open.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// parseInterval accepts a Go duration ("30s", "1h") or integer milliseconds.
// Zero and negative values are passed through for the store to reject.
func parseInterval(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
