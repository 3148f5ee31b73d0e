package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/threadline/internal/utils"
)

// UserID returns the authenticated user stored by JWTProtected.
func UserID(c *fiber.Ctx) (uint, bool) {
	switch v := c.Locals(UserIDKey).(type) {
	case uint:
		return v, v != 0
	case int:
		if v <= 0 {
			return 0, false
		}
		return uint(v), true
	default:
		return 0, false
	}
}

// RequireUser rejects requests that reach it without an authenticated user.
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := UserID(c); !ok {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}
		return c.Next()
	}
}

// WithAuth wraps a single handler with the RequireUser guard.
func WithAuth(handler fiber.Handler) fiber.Handler {
	guard := RequireUser()
	return func(c *fiber.Ctx) error {
		if _, ok := UserID(c); !ok {
			return guard(c)
		}
		return handler(c)
	}
}
