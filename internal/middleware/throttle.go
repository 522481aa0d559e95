package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paycore/internal/throttle"
)

// CallerThrottle applies the caller breaker to every request with a caller
// identity. It fails open when the throttle store is unreachable.
func CallerThrottle(limiter *throttle.Limiter, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		callerID := CallerID(c)
		if callerID == "" {
			return c.Next()
		}
		d, err := limiter.Check(c.UserContext(), callerID)
		if err != nil {
			logger.Warn("caller throttle unavailable", slog.String("caller_id", callerID), slog.Any("error", err))
			return c.Next()
		}
		if !d.Allowed {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(d.RetryAfterSeconds()))
			return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{
				"error":               "THROTTLED",
				"reason":              d.Reason,
				"retry_after_seconds": d.RetryAfterSeconds(),
			})
		}
		return c.Next()
	}
}
