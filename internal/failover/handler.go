package failover

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// CircuitDescriber names a vendor's breaker state.
type CircuitDescriber interface {
	State(vendorID string) string
}

// Handler exposes the routing view of the vendor pool.
type Handler struct {
	router   *Router
	store    HealthStore
	circuits CircuitDescriber
}

// NewHandler builds a vendor health HTTP handler. circuits may be nil.
func NewHandler(router *Router, store HealthStore, circuits CircuitDescriber) *Handler {
	return &Handler{router: router, store: store, circuits: circuits}
}

type vendorView struct {
	Health
	Circuit  string `json:"circuit,omitempty"`
	Routable bool   `json:"routable"`
}

// List reports health and routability of every vendor in priority order.
func (h *Handler) List(c *fiber.Ctx) error {
	ctx := c.UserContext()
	out := make([]vendorView, 0, len(h.router.Vendors()))
	for _, vendorID := range h.router.Vendors() {
		health, ok, err := h.store.Get(ctx, vendorID)
		if err != nil {
			return fiber.NewError(http.StatusServiceUnavailable, "vendor health unavailable")
		}
		if !ok {
			health = Health{VendorID: vendorID, Status: StatusHealthy}
		}
		view := vendorView{Health: health, Routable: h.router.routable(ctx, vendorID)}
		if h.circuits != nil {
			view.Circuit = h.circuits.State(vendorID)
		}
		out = append(out, view)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"vendors": out})
}
