package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/congo-pay/paycore/internal/failover"
)

// Repository persists transactions. Idempotency keys are unique per account.
// Update runs fn against a row-locked copy and saves it unless fn returns an
// error.
type Repository interface {
	Create(ctx context.Context, t Transaction) error
	Get(ctx context.Context, id string) (Transaction, error)
	GetByIdempotencyKey(ctx context.Context, accountID, key string) (Transaction, error)
	Update(ctx context.Context, id string, fn func(t *Transaction) error) (Transaction, error)
	DueForReconcile(ctx context.Context, now time.Time, limit int) ([]Transaction, error)
	VendorOutcomes(ctx context.Context, since time.Time) ([]failover.Outcome, error)
}

type memoryRepository struct {
	mu    sync.Mutex
	byID  map[string]Transaction
	byKey map[string]string
}

// NewMemoryRepository creates an in-memory transaction repository.
func NewMemoryRepository() Repository {
	return &memoryRepository{byID: make(map[string]Transaction), byKey: make(map[string]string)}
}

func (r *memoryRepository) Create(_ context.Context, t Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := accountKey(t.AccountID, t.IdempotencyKey)
	if id, ok := r.byKey[key]; ok {
		return &DuplicateError{Existing: clone(r.byID[id])}
	}
	r.byID[t.ID] = clone(t)
	r.byKey[key] = t.ID
	return nil
}

func accountKey(accountID, key string) string {
	return accountID + "\x00" + key
}

func (r *memoryRepository) Get(_ context.Context, id string) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return clone(t), nil
}

func (r *memoryRepository) GetByIdempotencyKey(_ context.Context, accountID, key string) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[accountKey(accountID, key)]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return clone(r.byID[id]), nil
}

func (r *memoryRepository) Update(_ context.Context, id string, fn func(t *Transaction) error) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	t = clone(t)
	if err := fn(&t); err != nil {
		return Transaction{}, err
	}
	r.byID[id] = clone(t)
	return t, nil
}

func (r *memoryRepository) DueForReconcile(_ context.Context, now time.Time, limit int) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Transaction
	for _, t := range r.byID {
		if t.Status.Terminal() || t.NextReconcileAt == nil || t.NextReconcileAt.After(now) {
			continue
		}
		due = append(due, clone(t))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextReconcileAt.Before(*due[j].NextReconcileAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *memoryRepository) VendorOutcomes(_ context.Context, since time.Time) ([]failover.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byVendor := make(map[string]*failover.Outcome)
	var order []string
	for _, t := range r.byID {
		if t.VendorID == "" || t.CompletedAt == nil || t.CompletedAt.Before(since) {
			continue
		}
		o, ok := byVendor[t.VendorID]
		if !ok {
			o = &failover.Outcome{VendorID: t.VendorID}
			byVendor[t.VendorID] = o
			order = append(order, t.VendorID)
		}
		switch t.Status {
		case StatusSuccess:
			o.Successes++
		case StatusFailed, StatusRefunded:
			o.Failures++
		}
	}
	sort.Strings(order)
	out := make([]failover.Outcome, 0, len(order))
	for _, id := range order {
		out = append(out, *byVendor[id])
	}
	return out, nil
}

func clone(t Transaction) Transaction {
	if t.NextReconcileAt != nil {
		v := *t.NextReconcileAt
		t.NextReconcileAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		t.CompletedAt = &v
	}
	return t
}
