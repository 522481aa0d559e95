package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// AdminHeader carries the operator key for administrative endpoints.
const AdminHeader = "X-Admin-Key"

// RequireAdmin rejects requests whose AdminHeader does not match key. An empty
// key disables the guarded routes entirely.
func RequireAdmin(key string) fiber.Handler {
	want := []byte(key)
	return func(c *fiber.Ctx) error {
		got := []byte(c.Get(AdminHeader))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			return fiber.NewError(http.StatusForbidden, "admin key required")
		}
		return c.Next()
	}
}
