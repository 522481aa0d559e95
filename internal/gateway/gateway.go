// Package gateway talks to external bill-payment vendors.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Status is a vendor-reported purchase outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPending Status = "PENDING"
)

var (
	// ErrNotAttempted means the request never reached the vendor, so the
	// outcome is a definitive failure.
	ErrNotAttempted = errors.New("vendor call not attempted")
	// ErrAmbiguous marks a response that neither confirms nor denies the purchase.
	ErrAmbiguous = errors.New("ambiguous vendor response")
	// ErrUnknownVendor is returned for vendors outside the configured pool.
	ErrUnknownVendor = errors.New("unknown vendor")
)

// PurchaseRequest is one purchase sent to a vendor. Reference is our
// transaction id and doubles as the vendor-side idempotency key.
type PurchaseRequest struct {
	VendorID    string
	ProductCode string
	Amount      int64
	CustomerRef string
	Reference   string
}

// PurchaseResult is the vendor's answer.
type PurchaseResult struct {
	Status    Status
	VendorRef string
	Message   string
}

// Gateway is the vendor collaborator. Any returned error other than one
// wrapping ErrNotAttempted must be treated as an ambiguous outcome.
type Gateway interface {
	Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error)
	CheckStatus(ctx context.Context, vendorID, reference string) (PurchaseResult, error)
}

// ParseStatus validates a vendor status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusSuccess, StatusFailed, StatusPending:
		return s, nil
	default:
		return "", fmt.Errorf("%w: status %q", ErrAmbiguous, raw)
	}
}

// Mux dispatches each call to the gateway registered for its vendor.
type Mux struct {
	routes map[string]Gateway
}

// NewMux builds a dispatching gateway.
func NewMux(routes map[string]Gateway) *Mux {
	return &Mux{routes: routes}
}

func (m *Mux) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	g, ok := m.routes[req.VendorID]
	if !ok {
		return PurchaseResult{}, fmt.Errorf("%w: %w %s", ErrNotAttempted, ErrUnknownVendor, req.VendorID)
	}
	return g.Purchase(ctx, req)
}

func (m *Mux) CheckStatus(ctx context.Context, vendorID, reference string) (PurchaseResult, error) {
	g, ok := m.routes[vendorID]
	if !ok {
		return PurchaseResult{}, fmt.Errorf("%w: %w %s", ErrNotAttempted, ErrUnknownVendor, vendorID)
	}
	return g.CheckStatus(ctx, vendorID, reference)
}
