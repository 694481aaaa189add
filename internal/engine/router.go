package engine

import "github.com/gofiber/fiber/v2"

// RegisterDynamicRoutes mounts the entity routes. _batch is registered before
// the :entity routes so it never resolves as a table name.
func RegisterDynamicRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api", middleware...)

	api.Post("/_batch", h.Batch)

	api.Get("/:entity", h.List)
	api.Get("/:entity/:id", h.GetByID)
	api.Post("/:entity", h.Create)
	api.Put("/:entity/:id", h.Update)
	api.Delete("/:entity/:id", h.Delete)
}
