package balance

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paycore/internal/ledger"
)

// Handler exposes account balance endpoints.
type Handler struct {
	guard *Guard
}

// NewHandler builds an accounts HTTP handler.
func NewHandler(guard *Guard) *Handler {
	return &Handler{guard: guard}
}

type topupRequest struct {
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

type entryResponse struct {
	ID          string    `json:"id"`
	Amount      int64     `json:"amount"`
	Kind        string    `json:"kind"`
	ReferenceID string    `json:"reference_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Balance returns the derived balance of an account.
func (h *Handler) Balance(c *fiber.Ctx) error {
	accountID := c.Params("accountId")
	balance, err := h.guard.Balance(c.UserContext(), accountID)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, "balance unavailable")
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id": accountID,
		"balance":    balance,
		"timestamp":  time.Now().UTC(),
	})
}

// Entries lists the newest ledger entries of an account.
func (h *Handler) Entries(c *fiber.Ctx) error {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			return fiber.NewError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = n
	}
	entries, err := h.guard.Entries(c.UserContext(), c.Params("accountId"), limit)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, "entries unavailable")
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:          e.ID,
			Amount:      e.Amount,
			Kind:        string(e.Kind),
			ReferenceID: e.ReferenceID,
			Description: e.Description,
			CreatedAt:   e.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"entries": out})
}

// Topup credits an account administratively.
func (h *Handler) Topup(c *fiber.Ctx) error {
	var req topupRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Reference == "" {
		return fiber.NewError(http.StatusBadRequest, "reference is required")
	}
	accountID := c.Params("accountId")
	err := h.guard.Credit(c.UserContext(), accountID, ledger.KindTopup, req.Amount, req.Reference, req.Description)
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrReferenceConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case err != nil:
		return fiber.NewError(http.StatusInternalServerError, "topup failed")
	}
	balance, err := h.guard.Balance(c.UserContext(), accountID)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, "balance unavailable")
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"account_id": accountID,
		"balance":    balance,
	})
}
