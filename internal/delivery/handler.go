package delivery

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes webhook enqueue and inspection endpoints.
type Handler struct {
	queue *Queue
}

// NewHandler builds a delivery HTTP handler.
func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

type enqueueRequest struct {
	TargetURL string          `json:"target_url"`
	Payload   json.RawMessage `json:"payload"`
}

type jobResponse struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	TargetURL     string     `json:"target_url"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toResponse(job Job) jobResponse {
	resp := jobResponse{
		ID:          job.ID,
		Kind:        string(job.Kind),
		TargetURL:   job.TargetURL,
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt,
	}
	if !job.Status.Terminal() {
		next := job.NextAttemptAt
		resp.NextAttemptAt = &next
	}
	return resp
}

// Enqueue accepts a webhook for asynchronous delivery.
func (h *Handler) Enqueue(c *fiber.Ctx) error {
	var req enqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	job, err := h.queue.Enqueue(c.UserContext(), EnqueueInput{
		Kind:      KindWebhook,
		TargetURL: req.TargetURL,
		Payload:   req.Payload,
	})
	switch {
	case errors.Is(err, ErrInvalidTarget), errors.Is(err, ErrInvalidPayload):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case err != nil:
		return fiber.NewError(http.StatusInternalServerError, "enqueue failed")
	}
	return c.Status(http.StatusAccepted).JSON(toResponse(job))
}

// Get reports the state of a job.
func (h *Handler) Get(c *fiber.Ctx) error {
	job, err := h.queue.Get(c.UserContext(), c.Params("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case err != nil:
		return fiber.NewError(http.StatusInternalServerError, "lookup failed")
	}
	return c.Status(http.StatusOK).JSON(toResponse(job))
}
