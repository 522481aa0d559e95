package failover

import (
	"context"
	"errors"
	"log/slog"

	"github.com/congo-pay/paycore/internal/logging"
)

var (
	// ErrNoVendorAvailable means every vendor in the pool is unhealthy or short-circuited.
	ErrNoVendorAvailable = errors.New("no vendor available")
	// ErrUnknownVendor rejects a preferred vendor outside the pool.
	ErrUnknownVendor = errors.New("unknown vendor")
)

// CircuitState reports whether a vendor's circuit is open.
type CircuitState interface {
	Open(vendorID string) bool
}

// Router picks a vendor for a new transaction from the last stored health.
// It only reads state and never evaluates health itself.
type Router struct {
	vendors  []string
	store    HealthStore
	circuits CircuitState
	logger   *slog.Logger
}

// NewRouter builds a router over the pool, in priority order. circuits may be nil.
func NewRouter(vendors []string, store HealthStore, circuits CircuitState, logger *slog.Logger) *Router {
	return &Router{vendors: vendors, store: store, circuits: circuits, logger: logging.Component(logger, "router")}
}

// Vendors returns the pool in priority order.
func (r *Router) Vendors() []string {
	return append([]string(nil), r.vendors...)
}

// Select returns preferred when it is routable, otherwise the first routable
// vendor in priority order. An empty preferred means no preference.
func (r *Router) Select(ctx context.Context, preferred string) (string, error) {
	candidates, err := r.Candidates(ctx, preferred)
	if err != nil {
		return "", err
	}
	return candidates[0], nil
}

// Candidates returns every routable vendor in the order Select would try
// them: preferred first, then the rest of the pool by priority.
func (r *Router) Candidates(ctx context.Context, preferred string) ([]string, error) {
	if preferred != "" && !r.known(preferred) {
		return nil, ErrUnknownVendor
	}
	var out []string
	if preferred != "" && r.routable(ctx, preferred) {
		out = append(out, preferred)
	}
	for _, vendorID := range r.vendors {
		if vendorID != preferred && r.routable(ctx, vendorID) {
			out = append(out, vendorID)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoVendorAvailable
	}
	if preferred != "" && out[0] != preferred {
		r.logger.Info("vendor failed over",
			slog.String("preferred", preferred),
			slog.String("vendor_id", out[0]))
	}
	return out, nil
}

func (r *Router) known(vendorID string) bool {
	for _, v := range r.vendors {
		if v == vendorID {
			return true
		}
	}
	return false
}

// routable treats an unreadable health store as healthy so that a cache
// outage does not stop all traffic.
func (r *Router) routable(ctx context.Context, vendorID string) bool {
	if r.circuits != nil && r.circuits.Open(vendorID) {
		return false
	}
	h, ok, err := r.store.Get(ctx, vendorID)
	if err != nil {
		r.logger.Warn("vendor health unreadable", slog.String("vendor_id", vendorID), slog.Any("error", err))
		return true
	}
	return !ok || h.Status.Routable()
}
