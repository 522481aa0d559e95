package transaction

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paycore/internal/delivery"
	"github.com/congo-pay/paycore/internal/gateway"
)

const idempotencyKeyHeader = "Idempotency-Key"

// CallerFunc resolves the authenticated caller of a request.
type CallerFunc func(c *fiber.Ctx) string

// Handler exposes the transaction endpoints.
type Handler struct {
	service         *Service
	caller          CallerFunc
	callbackSecrets map[string][]byte
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithCallbackSecrets sets the per-vendor secrets that sign status callbacks.
// Callbacks from a vendor without a secret are refused.
func WithCallbackSecrets(secrets map[string]string) HandlerOption {
	return func(h *Handler) {
		for vendorID, secret := range secrets {
			h.callbackSecrets[vendorID] = []byte(secret)
		}
	}
}

// NewHandler builds a transaction HTTP handler.
func NewHandler(service *Service, caller CallerFunc, opts ...HandlerOption) *Handler {
	h := &Handler{service: service, caller: caller, callbackSecrets: make(map[string][]byte)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type submitRequest struct {
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	VendorID    string `json:"vendor_id"`
	ProductCode string `json:"product_code"`
	CustomerRef string `json:"customer_ref"`
	CallbackURL string `json:"callback_url"`
}

type callbackRequest struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	VendorRef string `json:"vendor_ref"`
	Message   string `json:"message"`
}

type transactionResponse struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	Amount            int64      `json:"amount"`
	Status            Status     `json:"status"`
	VendorID          string     `json:"vendor_id,omitempty"`
	ProductCode       string     `json:"product_code"`
	CustomerRef       string     `json:"customer_ref,omitempty"`
	IdempotencyKey    string     `json:"idempotency_key"`
	VendorRef         string     `json:"vendor_ref,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ReconcileAttempts int        `json:"reconcile_attempts"`
	NextReconcileAt   *time.Time `json:"next_reconcile_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func toResponse(t Transaction) transactionResponse {
	return transactionResponse{
		ID:                t.ID,
		AccountID:         t.AccountID,
		Amount:            t.Amount,
		Status:            t.Status,
		VendorID:          t.VendorID,
		ProductCode:       t.ProductCode,
		CustomerRef:       t.CustomerRef,
		IdempotencyKey:    t.IdempotencyKey,
		VendorRef:         t.VendorRef,
		ErrorMessage:      t.ErrorMessage,
		ReconcileAttempts: t.ReconcileAttempts,
		NextReconcileAt:   t.NextReconcileAt,
		CreatedAt:         t.CreatedAt,
		CompletedAt:       t.CompletedAt,
	}
}

// Submit accepts a purchase debited from the caller's own account.
func (h *Handler) Submit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	callerID := ""
	if h.caller != nil {
		callerID = h.caller(c)
	}
	if callerID == "" {
		return fiber.NewError(http.StatusUnauthorized, "caller identity required")
	}
	if req.AccountID != "" && req.AccountID != callerID {
		return fiber.NewError(http.StatusForbidden, "account_id does not belong to the caller")
	}

	t, err := h.service.Submit(c.UserContext(), SubmitInput{
		AccountID:      callerID,
		Amount:         req.Amount,
		VendorID:       req.VendorID,
		ProductCode:    req.ProductCode,
		CustomerRef:    req.CustomerRef,
		CallbackURL:    req.CallbackURL,
		IdempotencyKey: strings.TrimSpace(c.Get(idempotencyKeyHeader)),
	})

	var throttled *ThrottledError
	switch {
	case err == nil:
		return c.Status(http.StatusOK).JSON(toResponse(t))
	case errors.Is(err, ErrAmbiguousOutcome):
		return c.Status(http.StatusAccepted).JSON(toResponse(t))
	case errors.Is(err, ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicate):
		return c.Status(http.StatusConflict).JSON(fiber.Map{"error": "DUPLICATE", "transaction": toResponse(t)})
	case errors.As(err, &throttled):
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(throttled.RetryAfterSeconds()))
		return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{
			"error":               "THROTTLED",
			"retry_after_seconds": throttled.RetryAfterSeconds(),
		})
	case errors.Is(err, ErrInsufficientFunds):
		return c.Status(http.StatusPaymentRequired).JSON(fiber.Map{"error": "INSUFFICIENT_FUNDS", "transaction": toResponse(t)})
	case errors.Is(err, ErrVendorUnavailable):
		return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{"error": "VENDOR_UNAVAILABLE", "transaction": toResponse(t)})
	default:
		return fiber.NewError(http.StatusInternalServerError, "processing failed, please retry later")
	}
}

// Get returns one of the caller's transactions. Other accounts' transactions
// are reported as not found.
func (h *Handler) Get(c *fiber.Ctx) error {
	t, err := h.service.Get(c.UserContext(), c.Params("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case err != nil:
		return fiber.NewError(http.StatusInternalServerError, "lookup failed")
	}
	if h.caller != nil && h.caller(c) != t.AccountID {
		return fiber.NewError(http.StatusNotFound, ErrNotFound.Error())
	}
	return c.Status(http.StatusOK).JSON(toResponse(t))
}

// Reconcile re-checks one transaction against its vendor.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	t, err := h.service.Reconcile(c.UserContext(), c.Params("id"))
	return h.reconciled(c, t, err)
}

// Callback applies a status pushed by a vendor. The body must carry a valid
// X-Signature under the vendor's callback secret.
func (h *Handler) Callback(c *fiber.Ctx) error {
	vendorID := c.Params("vendorId")
	secret, ok := h.callbackSecrets[vendorID]
	if !ok || !delivery.Verify(secret, c.Body(), c.Get(delivery.SignatureHeader)) {
		return fiber.NewError(http.StatusUnauthorized, "invalid callback signature")
	}

	var req callbackRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	status, err := gateway.ParseStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if err != nil || req.Reference == "" {
		return fiber.NewError(http.StatusBadRequest, "reference and a SUCCESS, FAILED or PENDING status are required")
	}
	t, err := h.service.ApplyVendorStatus(c.UserContext(), vendorID, req.Reference, gateway.PurchaseResult{
		Status:    status,
		VendorRef: req.VendorRef,
		Message:   req.Message,
	})
	return h.reconciled(c, t, err)
}

func (h *Handler) reconciled(c *fiber.Ctx, t Transaction, err error) error {
	switch {
	case err == nil:
		return c.Status(http.StatusOK).JSON(toResponse(t))
	case errors.Is(err, ErrAmbiguousOutcome):
		return c.Status(http.StatusAccepted).JSON(toResponse(t))
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrVendorUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, "vendor status unavailable")
	default:
		return fiber.NewError(http.StatusInternalServerError, "reconciliation failed")
	}
}
