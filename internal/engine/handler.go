package engine

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"workorder-backend/internal/audit"
	"workorder-backend/internal/metadata"
)

// UserLocalsKey is where the auth middleware stores the caller's
// *metadata.PermissionContext.
const UserLocalsKey = "user"

// Handler adapts the generic entity service to REST routes keyed by table
// name: /api/:entity and /api/:entity/:id.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: svc, logger: logger}
}

// List handles GET /api/:entity
func (h *Handler) List(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	spec, err := ParseQuerySpec(c)
	if err != nil {
		return err
	}

	res, err := h.service.FindAll(c.UserContext(), entity.EntityKey, getUser(c), spec)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": res.Data,
		"meta": fiber.Map{
			"page":  res.Page,
			"limit": res.Limit,
			"total": res.Total,
		},
	})
}

// GetByID handles GET /api/:entity/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	row, err := h.service.FindByID(c.UserContext(), entity.EntityKey, getUser(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /api/:entity
func (h *Handler) Create(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	row, err := h.service.Create(c.UserContext(), entity.EntityKey, user, body, auditContext(c, user))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": row})
}

// Update handles PUT /api/:entity/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	row, err := h.service.Update(c.UserContext(), entity.EntityKey, user, c.Params("id"), body, auditContext(c, user))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// Delete handles DELETE /api/:entity/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	res, err := h.service.Delete(c.UserContext(), entity.EntityKey, user, c.Params("id"), auditContext(c, user))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": res.Record,
		"meta": fiber.Map{"cascade": res.Cascade},
	})
}

type batchRequest struct {
	Operations []BatchOperation `json:"operations"`
}

// Batch handles POST /api/_batch
func (h *Handler) Batch(c *fiber.Ctx) error {
	var req batchRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidPayload()
	}

	user := getUser(c)
	results, err := h.service.Batch(c.UserContext(), user, req.Operations, auditContext(c, user))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": results})
}

// resolveEntity maps the :entity path segment (a table name) to metadata.
func (h *Handler) resolveEntity(c *fiber.Ctx) (*metadata.Entity, error) {
	name := c.Params("entity")
	entity, err := h.service.Registry().GetByTable(name)
	if err != nil {
		return nil, UnknownEntityError(name)
	}
	return entity, nil
}

func getUser(c *fiber.Ctx) *metadata.PermissionContext {
	user, _ := c.Locals(UserLocalsKey).(*metadata.PermissionContext)
	return user
}

func parseBody(c *fiber.Ctx) (map[string]any, error) {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil || body == nil {
		return nil, invalidPayload()
	}
	return body, nil
}

func invalidPayload() *AppError {
	return &AppError{Code: "INVALID_PAYLOAD", Status: 400, Message: "Invalid JSON body", kind: ErrValidation}
}

// fiberRequest exposes a fiber request to the audit helpers.
type fiberRequest struct {
	c    *fiber.Ctx
	user *metadata.PermissionContext
}

func (r fiberRequest) Header(name string) string              { return r.c.Get(name) }
func (r fiberRequest) RemoteIP() string                       { return r.c.IP() }
func (r fiberRequest) Principal() *metadata.PermissionContext { return r.user }

func auditContext(c *fiber.Ctx, user *metadata.PermissionContext) *audit.Context {
	return audit.BuildAuditContext(fiberRequest{c: c, user: user}, nil, nil)
}

// ParseQuerySpec reads search, filter[field] / filter[field.op], sort,
// sort_by, sort_order, page and limit from the query string. Field names are
// checked later against the entity whitelists.
func ParseQuerySpec(c *fiber.Ctx) (QuerySpec, error) {
	spec := QuerySpec{
		Search:    c.Query("search"),
		SortBy:    c.Query("sort_by"),
		SortOrder: metadata.SortOrder(strings.ToUpper(c.Query("sort_order"))),
	}

	if s := strings.TrimSpace(c.Query("sort")); s != "" {
		if strings.HasPrefix(s, "-") {
			spec.SortBy, spec.SortOrder = s[1:], metadata.SortDesc
		} else {
			spec.SortBy, spec.SortOrder = s, metadata.SortAsc
		}
	}

	for key, val := range c.Queries() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		field, op := parseFilterKey(key[len("filter[") : len(key)-1])
		if spec.Filters == nil {
			spec.Filters = make(map[string]Filter)
		}
		var value any = val
		if op == OpIn || (op == OpNot && strings.Contains(val, ",")) {
			value = splitAndTrim(val)
		}
		spec.Filters[field] = Filter{Operator: op, Value: value}
	}

	var err error
	if spec.Page, err = intQuery(c, "page"); err != nil {
		return spec, err
	}
	if spec.Limit, err = intQuery(c, "limit"); err != nil {
		return spec, err
	}
	if spec.Limit == 0 {
		if spec.Limit, err = intQuery(c, "per_page"); err != nil {
			return spec, err
		}
	}
	return spec, nil
}

func intQuery(c *fiber.Ctx, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fieldError(key, "type", "%s must be an integer", key)
	}
	return n, nil
}

// parseFilterKey splits "total.gte" into ("total", "gte") or "status" into ("status", "eq").
func parseFilterKey(key string) (string, FilterOperator) {
	field, op, found := strings.Cut(key, ".")
	if !found {
		return key, OpEq
	}
	return field, FilterOperator(op)
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ErrorHandler renders AppErrors as {"error": {...}} and hides everything
// else behind a 500.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx, err error) error {
		var appErr *AppError
		if errors.As(err, &appErr) {
			return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
		}

		code := fiber.StatusInternalServerError
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
			return c.Status(code).JSON(ErrorResponse{Error: &AppError{Code: "HTTP_ERROR", Message: fiberErr.Message}})
		}

		logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.Status(code).JSON(ErrorResponse{
			Error: &AppError{
				Code:    "INTERNAL_ERROR",
				Message: "Internal server error",
			},
		})
	}
}
