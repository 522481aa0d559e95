package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStorage marks a failed read or write against the backing store. A write
	// that fails with ErrStorage is indeterminate unless it ran inside Atomic.
	ErrStorage = errors.New("ledger storage failure")

	// ErrDuplicateEntry is returned when a uniqueness rule on entries rejects an
	// append, e.g. a second REFUND for the same reference.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")

	// ErrInvalidEntry rejects entries with a missing account, reference or a zero amount.
	ErrInvalidEntry = errors.New("invalid ledger entry")
)

// PlatformAccountID is the sentinel account holding the platform's own revenue.
const PlatformAccountID = "platform:revenue"

// Kind classifies a balance change.
type Kind string

const (
	KindTopup          Kind = "TOPUP"
	KindPurchase       Kind = "PURCHASE"
	KindWithdrawal     Kind = "WITHDRAWAL"
	KindRefund         Kind = "REFUND"
	KindCommission     Kind = "COMMISSION"
	KindDisputeRefund  Kind = "DISPUTE_REFUND"
	KindDisputeRelease Kind = "DISPUTE_RELEASE"
	KindRevenue        Kind = "REVENUE"
)

// Entry is one immutable signed balance change. Negative amounts are debits.
type Entry struct {
	ID          string
	AccountID   string
	Amount      int64
	Kind        Kind
	ReferenceID string
	Description string
	CreatedAt   time.Time
}

// IsDebit reports whether the entry removes funds from its account.
func (e Entry) IsDebit() bool {
	return e.Amount < 0
}

// Tx is the view of the store inside one account's atomic unit. Appends made
// through a Tx become visible only if the enclosing Atomic call commits.
type Tx interface {
	Append(ctx context.Context, entry Entry) (string, error)
	SumByAccount(ctx context.Context, accountID string) (int64, error)
	EntriesByReference(ctx context.Context, referenceID string) ([]Entry, error)
}

// Store is the append-only persistence for ledger entries. Entries are only
// ever appended through Atomic; there is no update or delete.
type Store interface {
	// Atomic serializes fn against every other Atomic call on accountID and
	// commits its appends as one unit. An error from fn rolls the unit back.
	Atomic(ctx context.Context, accountID string, fn func(ctx context.Context, tx Tx) error) error
	SumByAccount(ctx context.Context, accountID string) (int64, error)
	EntriesByReference(ctx context.Context, referenceID string) ([]Entry, error)
	EntriesByAccount(ctx context.Context, accountID string, limit int) ([]Entry, error)
}

func validate(entry Entry) error {
	if entry.AccountID == "" || entry.ReferenceID == "" || entry.Amount == 0 || entry.Kind == "" {
		return ErrInvalidEntry
	}
	return nil
}
