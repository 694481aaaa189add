package admin

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"workorder-backend/internal/engine"
	"workorder-backend/internal/metadata"
	"workorder-backend/internal/store"
)

// Handler serves metadata introspection and staging. Staged definitions are
// written to _entities and take effect on the next start with
// metadata.source set to db; the live registry never changes.
type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	service  *engine.Service
	logger   *zap.Logger
}

func NewHandler(s *store.Store, svc *engine.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: s, registry: svc.Registry(), service: svc, logger: logger}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/api/_admin", middleware...)

	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:key", h.GetEntity)
	admin.Put("/entities/:key", h.StageEntity)
	admin.Get("/staged", h.ListStaged)
	admin.Get("/ordinal/:table/:field", h.NextOrdinal)
}

// ListEntities returns every live entity definition.
func (h *Handler) ListEntities(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.registry.AllEntities()})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	e, err := h.registry.Get(c.Params("key"))
	if err != nil {
		return engine.UnknownEntityError(c.Params("key"))
	}
	return c.JSON(fiber.Map{"data": e})
}

// ListStaged returns the rows of _entities.
func (h *Handler) ListStaged(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.UserContext(), h.store.DB,
		"SELECT name, definition, created_at, updated_at FROM _entities ORDER BY name")
	if err != nil {
		return fmt.Errorf("list staged entities: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

// StageEntity validates a definition against the live registry and upserts
// it into _entities.
func (h *Handler) StageEntity(c *fiber.Ctx) error {
	key := c.Params("key")

	var entity metadata.Entity
	if err := json.Unmarshal(c.Body(), &entity); err != nil {
		return &engine.AppError{Code: "INVALID_PAYLOAD", Status: fiber.StatusBadRequest, Message: "Invalid JSON body"}
	}
	if entity.EntityKey == "" {
		entity.EntityKey = key
	}
	if entity.EntityKey != key {
		return engine.ValidationError([]engine.ErrorDetail{{
			Field: "entity_key", Rule: "match", Message: "entity_key must match the path",
		}})
	}
	if err := h.registry.ValidateCandidate(&entity); err != nil {
		return engine.ValidationError([]engine.ErrorDetail{{Message: err.Error()}})
	}

	def, err := json.Marshal(&entity)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", key, err)
	}

	pb := h.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO _entities (name, definition) VALUES (%s, %s) ON CONFLICT (name) DO UPDATE SET definition = excluded.definition, updated_at = %s",
		pb.Add(key), pb.Add(string(def)), h.store.Dialect.NowExpr())
	if _, err := store.Exec(c.UserContext(), h.store.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("stage entity %s: %w", key, err)
	}

	h.logger.Info("entity definition staged", zap.String("entity", key))
	return c.JSON(fiber.Map{"data": &entity, "meta": fiber.Map{"live": h.registry.Has(key)}})
}

// NextOrdinal handles GET /api/_admin/ordinal/:table/:field?default=N
func (h *Handler) NextOrdinal(c *fiber.Ctx) error {
	def := int64(1)
	if raw := c.Query("default"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return engine.ValidationError([]engine.ErrorDetail{{
				Field: "default", Rule: "type", Message: "default must be an integer",
			}})
		}
		def = n
	}

	v, err := h.service.NextOrdinalValue(c.UserContext(), c.Params("table"), c.Params("field"), def)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"value": v}})
}
