package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/congo-pay/paycore/internal/logging"
)

// BreakerConfig tunes the per-vendor circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
}

// DefaultBreakerConfig trips after five consecutive transport failures or
// half of at least ten requests failing, and retries one request after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.5,
	}
}

// Breakers wraps a Gateway with one circuit breaker per vendor. Only
// transport-level errors count against a vendor; a FAILED answer is a
// healthy exchange.
type Breakers struct {
	next   Gateway
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakers wraps next.
func NewBreakers(next Gateway, cfg BreakerConfig, logger *slog.Logger) *Breakers {
	return &Breakers{
		next:     next,
		cfg:      cfg,
		logger:   logging.Component(logger, "gateway"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *Breakers) breaker(vendorID string) *gobreaker.CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[vendorID]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[vendorID]; ok {
		return cb
	}
	cfg := b.cfg
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vendor-" + vendorID,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && ratio >= cfg.FailureRatio)
		},
		IsSuccessful: func(err error) bool {
			// a call we never made says nothing about the vendor
			return err == nil || errors.Is(err, ErrNotAttempted)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.logger.Warn("vendor circuit state changed",
				slog.String("vendor_id", vendorID),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	b.breakers[vendorID] = cb
	return cb
}

func (b *Breakers) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	return b.execute(req.VendorID, func() (PurchaseResult, error) {
		return b.next.Purchase(ctx, req)
	})
}

func (b *Breakers) CheckStatus(ctx context.Context, vendorID, reference string) (PurchaseResult, error) {
	return b.execute(vendorID, func() (PurchaseResult, error) {
		return b.next.CheckStatus(ctx, vendorID, reference)
	})
}

func (b *Breakers) execute(vendorID string, fn func() (PurchaseResult, error)) (PurchaseResult, error) {
	out, err := b.breaker(vendorID).Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return PurchaseResult{}, fmt.Errorf("%w: vendor %s circuit %w", ErrNotAttempted, vendorID, err)
	}
	res, _ := out.(PurchaseResult)
	return res, err
}

// Open reports whether calls to vendorID are currently short-circuited. A
// vendor never called is closed.
func (b *Breakers) Open(vendorID string) bool {
	b.mu.RLock()
	cb, ok := b.breakers[vendorID]
	b.mu.RUnlock()
	return ok && cb.State() == gobreaker.StateOpen
}

// State returns the breaker state name for vendorID.
func (b *Breakers) State(vendorID string) string {
	b.mu.RLock()
	cb, ok := b.breakers[vendorID]
	b.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}
