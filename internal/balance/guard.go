package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/congo-pay/paycore/internal/ledger"
	"github.com/congo-pay/paycore/internal/logging"
)

var (
	// ErrInsufficientFunds is a business rejection; the reservation was not recorded.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount rejects non-positive amounts before touching the ledger.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrReferenceConflict rejects a credit whose reference was already used
	// for a different amount.
	ErrReferenceConflict = errors.New("reference already used for a different credit")
	// ErrNoDebit is returned by Refund when the reference never reserved funds.
	ErrNoDebit = errors.New("no debit recorded for reference")
	// ErrStorage is fatal; the caller must treat the outcome as indeterminate.
	ErrStorage = ledger.ErrStorage
)

var creditKinds = map[ledger.Kind]struct{}{
	ledger.KindTopup:          {},
	ledger.KindCommission:     {},
	ledger.KindDisputeRelease: {},
	ledger.KindRevenue:        {},
}

// Guard performs every balance change as one atomic unit over the ledger store.
type Guard struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewGuard builds a Guard over store.
func NewGuard(store ledger.Store, logger *slog.Logger) *Guard {
	return &Guard{store: store, logger: logging.Component(logger, "balance")}
}

// Reserve debits amount from accountID if, and only if, the balance covers it.
// The check and the debit run under the account's lock. Reserving twice for the
// same reference is a no-op.
func (g *Guard) Reserve(ctx context.Context, accountID string, amount int64, referenceID, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return g.store.Atomic(ctx, accountID, func(ctx context.Context, tx ledger.Tx) error {
		existing, err := tx.EntriesByReference(ctx, referenceID)
		if err != nil {
			return err
		}
		if debit, ok := findDebit(existing); ok {
			g.logger.Warn("reservation already recorded",
				slog.String("reference_id", referenceID),
				slog.String("entry_id", debit.ID))
			return nil
		}

		balance, err := tx.SumByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if balance < amount {
			return ErrInsufficientFunds
		}

		_, err = tx.Append(ctx, ledger.Entry{
			AccountID:   accountID,
			Amount:      -amount,
			Kind:        ledger.KindPurchase,
			ReferenceID: referenceID,
			Description: description,
		})
		return err
	})
}

// Credit adds funds to accountID. It never fails for insufficiency. Crediting
// the same account, kind, reference and amount again is a no-op.
func (g *Guard) Credit(ctx context.Context, accountID string, kind ledger.Kind, amount int64, referenceID, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if _, ok := creditKinds[kind]; !ok {
		return fmt.Errorf("kind %s is not a credit", kind)
	}
	return g.store.Atomic(ctx, accountID, func(ctx context.Context, tx ledger.Tx) error {
		existing, err := tx.EntriesByReference(ctx, referenceID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.AccountID != accountID || e.Kind != kind {
				continue
			}
			if e.Amount != amount {
				return fmt.Errorf("%w: %s", ErrReferenceConflict, referenceID)
			}
			g.logger.Info("credit already recorded",
				slog.String("reference_id", referenceID),
				slog.String("entry_id", e.ID))
			return nil
		}

		_, err = tx.Append(ctx, ledger.Entry{
			AccountID:   accountID,
			Amount:      amount,
			Kind:        kind,
			ReferenceID: referenceID,
			Description: description,
		})
		return err
	})
}

// Refund writes one compensating credit for the debit recorded under
// referenceID. It reports whether a new credit was written; a repeated call
// returns false with no error.
func (g *Guard) Refund(ctx context.Context, referenceID string) (bool, error) {
	entries, err := g.store.EntriesByReference(ctx, referenceID)
	if err != nil {
		return false, err
	}
	debit, ok := findDebit(entries)
	if !ok {
		return false, ErrNoDebit
	}

	refunded := false
	err = g.store.Atomic(ctx, debit.AccountID, func(ctx context.Context, tx ledger.Tx) error {
		current, err := tx.EntriesByReference(ctx, referenceID)
		if err != nil {
			return err
		}
		for _, e := range current {
			if e.Kind == ledger.KindRefund {
				return nil
			}
		}
		if _, err := tx.Append(ctx, ledger.Entry{
			AccountID:   debit.AccountID,
			Amount:      -debit.Amount,
			Kind:        ledger.KindRefund,
			ReferenceID: referenceID,
			Description: "refund " + referenceID,
		}); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if refunded {
		g.logger.Info("refund recorded",
			slog.String("reference_id", referenceID),
			slog.String("account_id", debit.AccountID),
			slog.Int64("amount", -debit.Amount))
	}
	return refunded, nil
}

// DebitFor returns the reservation recorded for referenceID, if any.
func (g *Guard) DebitFor(ctx context.Context, referenceID string) (ledger.Entry, bool, error) {
	entries, err := g.store.EntriesByReference(ctx, referenceID)
	if err != nil {
		return ledger.Entry{}, false, err
	}
	debit, ok := findDebit(entries)
	return debit, ok, nil
}

// Refunded reports whether a compensating credit exists for referenceID.
func (g *Guard) Refunded(ctx context.Context, referenceID string) (bool, error) {
	entries, err := g.store.EntriesByReference(ctx, referenceID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Kind == ledger.KindRefund {
			return true, nil
		}
	}
	return false, nil
}

// Balance returns the sum of entries for accountID.
func (g *Guard) Balance(ctx context.Context, accountID string) (int64, error) {
	return g.store.SumByAccount(ctx, accountID)
}

// Entries returns the newest entries for accountID.
func (g *Guard) Entries(ctx context.Context, accountID string, limit int) ([]ledger.Entry, error) {
	return g.store.EntriesByAccount(ctx, accountID, limit)
}

func findDebit(entries []ledger.Entry) (ledger.Entry, bool) {
	for _, e := range entries {
		if e.IsDebit() && e.Kind != ledger.KindRefund {
			return e, true
		}
	}
	return ledger.Entry{}, false
}
