package pin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// CallerFunc resolves the authenticated user of a request.
type CallerFunc func(c *fiber.Ctx) string

// Handler exposes PIN endpoints for the calling user.
type Handler struct {
	service *Service
	caller  CallerFunc
}

// NewHandler builds a PIN HTTP handler.
func NewHandler(service *Service, caller CallerFunc) *Handler {
	return &Handler{service: service, caller: caller}
}

type pinRequest struct {
	PIN string `json:"pin"`
}

// Set stores a new PIN.
func (h *Handler) Set(c *fiber.Ctx) error {
	userID := h.caller(c)
	if userID == "" {
		return fiber.NewError(http.StatusUnauthorized, "caller identity required")
	}
	var req pinRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.service.Set(c.UserContext(), userID, req.PIN); err != nil {
		if errors.Is(err, ErrInvalidFormat) {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, "could not store pin")
	}
	return c.SendStatus(http.StatusNoContent)
}

// Verify checks a PIN.
func (h *Handler) Verify(c *fiber.Ctx) error {
	userID := h.caller(c)
	if userID == "" {
		return fiber.NewError(http.StatusUnauthorized, "caller identity required")
	}
	var req pinRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	err := h.service.Verify(c.UserContext(), userID, req.PIN)
	var locked *LockedError
	var incorrect *IncorrectPinError
	switch {
	case err == nil:
		return c.Status(http.StatusOK).JSON(fiber.Map{"verified": true})
	case errors.As(err, &locked):
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(locked.RetryAfterMinutes()*60))
		return c.Status(http.StatusLocked).JSON(fiber.Map{
			"verified":            false,
			"error":               "LOCKED",
			"retry_after_minutes": locked.RetryAfterMinutes(),
		})
	case errors.As(err, &incorrect):
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
			"verified":           false,
			"error":              "INCORRECT_PIN",
			"attempts_remaining": incorrect.AttemptsRemaining,
		})
	case errors.Is(err, ErrNotConfigured):
		return fiber.NewError(http.StatusNotFound, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, "pin verification unavailable")
	}
}
