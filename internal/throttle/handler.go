package throttle

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// CallerFunc resolves the caller of a request.
type CallerFunc func(c *fiber.Ctx) string

// Handler exposes the caller check over HTTP.
type Handler struct {
	limiter *Limiter
	caller  CallerFunc
}

// NewHandler builds a throttle HTTP handler.
func NewHandler(limiter *Limiter, caller CallerFunc) *Handler {
	return &Handler{limiter: limiter, caller: caller}
}

// Check counts the request and reports the caller's state.
func (h *Handler) Check(c *fiber.Ctx) error {
	callerID := h.caller(c)
	if callerID == "" {
		return fiber.NewError(http.StatusUnauthorized, "caller identity required")
	}
	d, err := h.limiter.Check(c.UserContext(), callerID)
	if err != nil {
		return fiber.NewError(http.StatusServiceUnavailable, "throttle state unavailable")
	}
	body := fiber.Map{
		"caller_id":       callerID,
		"decision":        "ALLOW",
		"request_count":   d.State.RequestCount,
		"limit":           h.limiter.Policy().Limit,
		"window_started":  d.State.WindowStartedAt,
		"retry_after_sec": d.RetryAfterSeconds(),
	}
	if !d.Allowed {
		body["decision"] = "BLOCK"
		body["reason"] = d.Reason
		body["suspended_until"] = d.State.SuspendedUntil
	}
	return c.Status(http.StatusOK).JSON(body)
}
