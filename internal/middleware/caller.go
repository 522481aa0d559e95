package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CallerHeader carries the identity resolved by the upstream authentication layer.
const CallerHeader = "X-Caller-ID"

const callerLocal = "caller_id"

// Caller copies the caller identity header into the request locals.
func Caller() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if id := strings.TrimSpace(c.Get(CallerHeader)); id != "" {
			c.Locals(callerLocal, id)
		}
		return c.Next()
	}
}

// RequireCaller rejects requests without a caller identity.
func RequireCaller() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if CallerID(c) == "" {
			return fiber.NewError(http.StatusUnauthorized, "caller identity required")
		}
		return c.Next()
	}
}

// CallerID returns the caller set by Caller, or "".
func CallerID(c *fiber.Ctx) string {
	id, _ := c.Locals(callerLocal).(string)
	return id
}
