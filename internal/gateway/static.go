package gateway

import (
	"context"

	"github.com/google/uuid"
)

// StaticGateway simulates a vendor that approves every purchase.
type StaticGateway struct{}

// Purchase approves with a synthetic vendor reference.
func (StaticGateway) Purchase(_ context.Context, _ PurchaseRequest) (PurchaseResult, error) {
	return PurchaseResult{Status: StatusSuccess, VendorRef: uuid.NewString()}, nil
}

// CheckStatus reports every reference as delivered.
func (StaticGateway) CheckStatus(_ context.Context, _, reference string) (PurchaseResult, error) {
	return PurchaseResult{Status: StatusSuccess, VendorRef: reference}, nil
}
