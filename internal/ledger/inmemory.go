package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	// one refund per reference, mirroring the Postgres partial unique index
	refunds map[string]struct{}

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory ledger store useful for
// development and unit tests.
func NewInMemory() Store {
	return &inMemoryStore{
		refunds: make(map[string]struct{}),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

func (s *inMemoryStore) accountLock(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[accountID] = m
	}
	return m
}

func (s *inMemoryStore) Atomic(ctx context.Context, accountID string, fn func(ctx context.Context, tx Tx) error) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	tx := &inMemoryTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range tx.pending {
		if e.Kind == KindRefund {
			if _, exists := s.refunds[e.ReferenceID]; exists {
				return ErrDuplicateEntry
			}
		}
	}
	for _, e := range tx.pending {
		if e.Kind == KindRefund {
			s.refunds[e.ReferenceID] = struct{}{}
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *inMemoryStore) SumByAccount(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumFor(s.entries, accountID), nil
}

func (s *inMemoryStore) EntriesByReference(_ context.Context, referenceID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterReference(s.entries, referenceID), nil
}

func (s *inMemoryStore) EntriesByAccount(_ context.Context, accountID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type inMemoryTx struct {
	store   *inMemoryStore
	pending []Entry
}

func (t *inMemoryTx) Append(_ context.Context, entry Entry) (string, error) {
	if err := validate(entry); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.store.now().UTC()
	}
	t.pending = append(t.pending, entry)
	return entry.ID, nil
}

func (t *inMemoryTx) SumByAccount(ctx context.Context, accountID string) (int64, error) {
	committed, err := t.store.SumByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return committed + sumFor(t.pending, accountID), nil
}

func (t *inMemoryTx) EntriesByReference(ctx context.Context, referenceID string) ([]Entry, error) {
	committed, err := t.store.EntriesByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	return append(committed, filterReference(t.pending, referenceID)...), nil
}

func sumFor(entries []Entry, accountID string) int64 {
	var total int64
	for _, e := range entries {
		if e.AccountID == accountID {
			total += e.Amount
		}
	}
	return total
}

func filterReference(entries []Entry, referenceID string) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.ReferenceID == referenceID {
			out = append(out, e)
		}
	}
	return out
}
