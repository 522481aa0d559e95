package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/congo-pay/paycore/internal/gateway"
	"github.com/congo-pay/paycore/internal/lock"
	"github.com/congo-pay/paycore/internal/metrics"
	"github.com/congo-pay/paycore/internal/notification"
)

const sweepLockKey = "transaction-reconcile"

// Reconcile brings one transaction in line with the vendor's authoritative
// status. It never moves funds for a transaction the vendor reports as still
// pending, and it only alerts when local state claims more than the vendor.
func (s *Service) Reconcile(ctx context.Context, id string) (Transaction, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}

	switch t.Status {
	case StatusRejected:
		return t, nil
	case StatusPending:
		if s.now().Sub(t.CreatedAt) < s.cfg.ReconcileDelay {
			return t, nil
		}
		return s.resolveAbandoned(ctx, t)
	case StatusFailed:
		metrics.Reconciliations.WithLabelValues("refund_retry").Inc()
		return s.completeRefund(ctx, t)
	}

	res, err := s.gateway.CheckStatus(ctx, t.VendorID, t.ID)
	if err != nil {
		metrics.Reconciliations.WithLabelValues("unreachable").Inc()
		if t.Status == StatusProcessing {
			return s.recheck(ctx, t, err.Error())
		}
		return t, fmt.Errorf("%w: %w", ErrVendorUnavailable, err)
	}
	return s.apply(ctx, t, res)
}

// ApplyVendorStatus handles an inbound vendor callback for reference.
func (s *Service) ApplyVendorStatus(ctx context.Context, vendorID, reference string, res gateway.PurchaseResult) (Transaction, error) {
	t, err := s.repo.Get(ctx, reference)
	if err != nil {
		return Transaction{}, err
	}
	if t.VendorID != vendorID {
		return t, fmt.Errorf("%w: transaction %s is not routed to %s", ErrValidation, reference, vendorID)
	}
	return s.apply(ctx, t, res)
}

func (s *Service) apply(ctx context.Context, t Transaction, res gateway.PurchaseResult) (Transaction, error) {
	switch t.Status {
	case StatusProcessing:
		switch res.Status {
		case gateway.StatusSuccess:
			metrics.Reconciliations.WithLabelValues("success").Inc()
			return s.markSuccess(ctx, t, res.VendorRef)
		case gateway.StatusFailed:
			metrics.Reconciliations.WithLabelValues("refunded").Inc()
			return s.failAndRefund(ctx, t, orDefault(res.Message, "vendor reported failure"))
		default:
			metrics.Reconciliations.WithLabelValues("pending").Inc()
			return s.recheck(ctx, t, orDefault(res.Message, "vendor reported pending"))
		}
	case StatusFailed:
		if res.Status == gateway.StatusFailed {
			metrics.Reconciliations.WithLabelValues("refund_retry").Inc()
			return s.completeRefund(ctx, t)
		}
	case StatusSuccess:
		if res.Status == gateway.StatusSuccess || res.Status == gateway.StatusPending {
			metrics.Reconciliations.WithLabelValues("consistent").Inc()
			return t, nil
		}
	case StatusRefunded:
		if res.Status == gateway.StatusFailed {
			metrics.Reconciliations.WithLabelValues("consistent").Inc()
			return t, nil
		}
	}
	// only a vendor success we did not book, or a booked success the vendor denies, is a mismatch
	if res.Status != gateway.StatusSuccess && t.Status != StatusSuccess {
		metrics.Reconciliations.WithLabelValues("consistent").Inc()
		return t, nil
	}
	s.mismatch(ctx, t, res)
	return t, nil
}

// mismatch alerts operators; funds are never moved automatically here.
func (s *Service) mismatch(ctx context.Context, t Transaction, res gateway.PurchaseResult) {
	metrics.Reconciliations.WithLabelValues("mismatch").Inc()
	s.logger.Error("reconciliation mismatch",
		slog.String("transaction_id", t.ID),
		slog.String("account_id", t.AccountID),
		slog.String("vendor_id", t.VendorID),
		slog.String("local_status", string(t.Status)),
		slog.String("vendor_status", string(res.Status)),
		slog.Int64("amount", t.Amount))
	s.alerter.Alert(ctx, notification.SeverityCritical,
		"reconciliation mismatch on transaction "+t.ID,
		fmt.Sprintf("local status %s, vendor %s reports %s (amount %d, account %s)",
			t.Status, t.VendorID, res.Status, t.Amount, t.AccountID))
}

// resolveAbandoned closes a PENDING row whose intake never reached the vendor.
func (s *Service) resolveAbandoned(ctx context.Context, t Transaction) (Transaction, error) {
	_, reserved, err := s.guard.DebitFor(ctx, t.ID)
	if err != nil {
		return t, s.storageFailure(ctx, "lookup reservation", err)
	}
	if !reserved {
		metrics.Reconciliations.WithLabelValues("rejected").Inc()
		next := s.reject(ctx, t, "intake did not complete")
		return next, nil
	}
	metrics.Reconciliations.WithLabelValues("refunded").Inc()
	return s.failAndRefund(ctx, t, "intake did not complete")
}

// Sweep reconciles every transaction whose next check is due and returns how
// many were examined.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	due, err := s.repo.DueForReconcile(ctx, s.now(), s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Reconcile(ctx, t.ID); err != nil && !errors.Is(err, ErrAmbiguousOutcome) {
			s.logger.Warn("reconcile failed", slog.String("transaction_id", t.ID), slog.Any("error", err))
		}
	}
	return len(due), nil
}

// RunSweeper sweeps every interval until ctx is done. Each pass runs under
// locker so that only one instance sweeps per cycle.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, locker lock.Locker) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := locker.TryRun(ctx, sweepLockKey, interval, func(ctx context.Context) error {
				n, err := s.Sweep(ctx)
				if n > 0 {
					s.logger.Debug("reconcile sweep", slog.Int("due", n))
				}
				return err
			})
			if err != nil {
				s.logger.Error("reconcile sweep failed", slog.Any("error", err))
			}
		}
	}
}
