// Package failover scores vendor health from recent transaction outcomes and
// picks the vendor each new transaction is routed to.
package failover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is a vendor's routing health.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusUnstable Status = "UNSTABLE"
	StatusDown     Status = "DOWN"
)

// Routable reports whether new traffic may be sent.
func (s Status) Routable() bool {
	return s == "" || s == StatusHealthy
}

func (s Status) gauge() float64 {
	switch s {
	case StatusUnstable:
		return 1
	case StatusDown:
		return 2
	default:
		return 0
	}
}

// Health is the last evaluation of one vendor.
type Health struct {
	VendorID        string    `json:"vendor_id"`
	FailureRate     float64   `json:"failure_rate"`
	Samples         int       `json:"samples"`
	Status          Status    `json:"status"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at"`
	CleanCycles     int       `json:"clean_cycles"`
}

// ErrHealthStore wraps failures of the backing health store.
var ErrHealthStore = errors.New("vendor health store failure")

// HealthStore holds the latest Health per vendor.
type HealthStore interface {
	Get(ctx context.Context, vendorID string) (Health, bool, error)
	Put(ctx context.Context, h Health) error
}

// MemoryHealthStore keeps health in process memory.
type MemoryHealthStore struct {
	mu     sync.RWMutex
	health map[string]Health
}

// NewMemoryHealthStore builds an empty store.
func NewMemoryHealthStore() *MemoryHealthStore {
	return &MemoryHealthStore{health: make(map[string]Health)}
}

func (s *MemoryHealthStore) Get(_ context.Context, vendorID string) (Health, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[vendorID]
	return h, ok, nil
}

func (s *MemoryHealthStore) Put(_ context.Context, h Health) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[h.VendorID] = h
	return nil
}

const healthKey = "failover:v1:health"

// RedisHealthStore shares health across instances as one hash of JSON values.
type RedisHealthStore struct {
	client redis.Cmdable
}

// NewRedisHealthStore builds a store over client.
func NewRedisHealthStore(client redis.Cmdable) *RedisHealthStore {
	return &RedisHealthStore{client: client}
}

func (s *RedisHealthStore) Get(ctx context.Context, vendorID string) (Health, bool, error) {
	raw, err := s.client.HGet(ctx, healthKey, vendorID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Health{}, false, nil
	}
	if err != nil {
		return Health{}, false, fmt.Errorf("%w: %w", ErrHealthStore, err)
	}
	var h Health
	if err := json.Unmarshal(raw, &h); err != nil {
		return Health{}, false, fmt.Errorf("%w: decode %s: %w", ErrHealthStore, vendorID, err)
	}
	return h, true, nil
}

func (s *RedisHealthStore) Put(ctx context.Context, h Health) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrHealthStore, h.VendorID, err)
	}
	if err := s.client.HSet(ctx, healthKey, h.VendorID, raw).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrHealthStore, err)
	}
	return nil
}
