package middleware

import (
	"crypto/subtle"

	"ticketing-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

const InternalKeyHeader = "X-Internal-Key"

// HasInternalKey reports whether the request carries the shared internal key.
// An empty configured key never matches.
func HasInternalKey(c *fiber.Ctx, key string) bool {
	got := c.Get(InternalKeyHeader)
	if key == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1
}

// RequireInternalKey guards routes used by the checkout pipeline and staff
// tools. Returns 403 with the standard error format.
func RequireInternalKey(key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !HasInternalKey(c, key) {
			return response.Error(c, "Forbidden", fiber.StatusForbidden, nil)
		}
		return c.Next()
	}
}
