package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"workorder-backend/internal/engine"
	"workorder-backend/internal/metadata"
)

// RoleResolver maps a role name to its priority in the role hierarchy.
// *engine.Evaluator implements it.
type RoleResolver interface {
	RolePriority(role string) (int, bool)
}

// Middleware returns a Fiber middleware that validates the bearer token and
// stores the caller's PermissionContext on the request.
func Middleware(secret string, roles RoleResolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(strings.TrimSpace(parts[1]), secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		priority, ok := roles.RolePriority(claims.Role)
		if !ok {
			return engine.UnauthorizedError("Unknown role")
		}

		c.Locals(engine.UserLocalsKey, &metadata.PermissionContext{
			UserID:       claims.Subject,
			Role:         claims.Role,
			RolePriority: priority,
			Attributes:   claims.Attributes,
		})
		return c.Next()
	}
}

// GetUser extracts the PermissionContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.PermissionContext {
	user, _ := c.Locals(engine.UserLocalsKey).(*metadata.PermissionContext)
	return user
}

// RequireRole rejects callers whose role ranks below minRole. It must run
// after Middleware.
func RequireRole(roles RoleResolver, minRole string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Authentication required")
		}
		required, ok := roles.RolePriority(minRole)
		if !ok || user.RolePriority < required {
			return engine.PermissionDeniedError(engine.Decision{
				Reason:          "Insufficient role",
				MinimumRole:     minRole,
				MinimumPriority: required,
			})
		}
		return c.Next()
	}
}
