package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/paycore/internal/backoff"
	"github.com/congo-pay/paycore/internal/balance"
	"github.com/congo-pay/paycore/internal/failover"
	"github.com/congo-pay/paycore/internal/gateway"
	"github.com/congo-pay/paycore/internal/logging"
	"github.com/congo-pay/paycore/internal/metrics"
	"github.com/congo-pay/paycore/internal/notification"
	"github.com/congo-pay/paycore/internal/throttle"
)

const maxKeyLength = 128

// Throttle is the caller breaker consulted at intake.
type Throttle interface {
	Check(ctx context.Context, callerID string) (throttle.Decision, error)
}

// VendorSelector orders the routable vendors for a request.
type VendorSelector interface {
	Candidates(ctx context.Context, preferred string) ([]string, error)
}

// Config tunes reconciliation.
type Config struct {
	// ReconcileDelay is the first re-check delay and the age at which a
	// PENDING row is considered abandoned.
	ReconcileDelay time.Duration
	// MaxReconcileDelay caps the re-check backoff.
	MaxReconcileDelay time.Duration
	// AlertAfter raises an operator alert for transactions unresolved this long.
	AlertAfter time.Duration
	// SweepBatch bounds the rows handled by one sweep.
	SweepBatch int
}

func (c Config) withDefaults() Config {
	if c.ReconcileDelay <= 0 {
		c.ReconcileDelay = 2 * time.Minute
	}
	if c.MaxReconcileDelay <= 0 {
		c.MaxReconcileDelay = time.Hour
	}
	if c.AlertAfter <= 0 {
		c.AlertAfter = 24 * time.Hour
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	return c
}

// Deps are the collaborators of a Service. Throttle, Notifier and Alerter are optional.
type Deps struct {
	Repo     Repository
	Guard    *balance.Guard
	Gateway  gateway.Gateway
	Vendors  VendorSelector
	Throttle Throttle
	Notifier notification.Notifier
	Alerter  notification.Alerter
}

// Service is the transaction state machine.
type Service struct {
	repo     Repository
	guard    *balance.Guard
	gateway  gateway.Gateway
	vendors  VendorSelector
	throttle Throttle
	notifier notification.Notifier
	alerter  notification.Alerter
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a transaction service.
func NewService(d Deps, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     d.Repo,
		guard:    d.Guard,
		gateway:  d.Gateway,
		vendors:  d.Vendors,
		throttle: d.Throttle,
		notifier: d.Notifier,
		alerter:  d.Alerter,
		cfg:      cfg.withDefaults(),
		logger:   logging.Component(logger, "transaction"),
		now:      time.Now,
	}
	if s.notifier == nil {
		s.notifier = notification.NewLoggerNotifier(s.logger)
	}
	if s.alerter == nil {
		s.alerter = notification.NopAlerter{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitInput is one purchase request. AccountID is the authenticated caller,
// which is also the throttle key. VendorID is a preference; the router may
// fail over to another vendor.
type SubmitInput struct {
	AccountID      string
	Amount         int64
	VendorID       string
	ProductCode    string
	CustomerRef    string
	CallbackURL    string
	IdempotencyKey string
}

func (in SubmitInput) validate() error {
	switch {
	case in.AccountID == "":
		return fmt.Errorf("%w: account_id is required", ErrValidation)
	case in.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	case in.ProductCode == "":
		return fmt.Errorf("%w: product_code is required", ErrValidation)
	case in.IdempotencyKey == "" || len(in.IdempotencyKey) > maxKeyLength:
		return fmt.Errorf("%w: idempotency key must be 1-%d characters", ErrValidation, maxKeyLength)
	}
	if in.CallbackURL != "" {
		u, err := url.Parse(in.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: callback_url must be an absolute http(s) URL", ErrValidation)
		}
	}
	return nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (Transaction, error) {
	return s.repo.Get(ctx, id)
}

// Submit runs a purchase from intake to the furthest state it can reach
// synchronously. A definitive vendor failure returns the REFUNDED transaction
// with a nil error. An ambiguous outcome returns the PROCESSING transaction
// together with ErrAmbiguousOutcome. Intake rejections return the REJECTED
// transaction (when one was recorded) together with the reason.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (Transaction, error) {
	if err := in.validate(); err != nil {
		return Transaction{}, err
	}

	existing, err := s.repo.GetByIdempotencyKey(ctx, in.AccountID, in.IdempotencyKey)
	switch {
	case err == nil:
		metrics.Transactions.WithLabelValues("duplicate").Inc()
		return existing, &DuplicateError{Existing: existing}
	case !errors.Is(err, ErrNotFound):
		return Transaction{}, s.storageFailure(ctx, "lookup idempotency key", err)
	}

	if err := s.checkThrottle(ctx, in.AccountID); err != nil {
		return Transaction{}, err
	}

	candidates, routeErr := s.vendors.Candidates(ctx, in.VendorID)
	if errors.Is(routeErr, failover.ErrUnknownVendor) {
		return Transaction{}, fmt.Errorf("%w: unknown vendor %q", ErrValidation, in.VendorID)
	}

	now := s.now().UTC()
	next := now.Add(s.cfg.ReconcileDelay)
	t := Transaction{
		ID:              uuid.NewString(),
		AccountID:       in.AccountID,
		Amount:          in.Amount,
		Status:          StatusPending,
		ProductCode:     in.ProductCode,
		CustomerRef:     in.CustomerRef,
		CallbackURL:     in.CallbackURL,
		IdempotencyKey:  in.IdempotencyKey,
		NextReconcileAt: &next,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		var dup *DuplicateError
		if errors.As(err, &dup) {
			metrics.Transactions.WithLabelValues("duplicate").Inc()
			return dup.Existing, err
		}
		return Transaction{}, s.storageFailure(ctx, "create transaction", err)
	}
	log := s.logger.With(slog.String("transaction_id", t.ID), slog.String("account_id", t.AccountID))

	if routeErr != nil {
		metrics.Transactions.WithLabelValues("rejected_vendor").Inc()
		return s.reject(ctx, t, "no vendor available"), fmt.Errorf("%w: %w", ErrVendorUnavailable, routeErr)
	}

	if err := s.guard.Reserve(ctx, t.AccountID, t.Amount, t.ID, "purchase "+t.ProductCode); err != nil {
		if errors.Is(err, balance.ErrInsufficientFunds) {
			metrics.Transactions.WithLabelValues("rejected_funds").Inc()
			return s.reject(ctx, t, "insufficient funds"), ErrInsufficientFunds
		}
		// left PENDING; the sweeper refunds or rejects once the row is stale
		return t, s.storageFailure(ctx, "reserve funds", err)
	}

	processing, err := s.transition(ctx, t.ID, StatusPending, StatusProcessing, func(t *Transaction) {
		t.VendorID = candidates[0]
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// the sweeper closed the row while we reserved; give the funds back
			if _, refundErr := s.guard.Refund(context.WithoutCancel(ctx), t.ID); refundErr != nil {
				log.Error("refund of orphaned reservation failed", slog.Any("error", refundErr))
			}
			return processing, s.storageFailure(ctx, "start processing", err)
		}
		return t, s.storageFailure(ctx, "start processing", err)
	}
	t = processing

	// past PROCESSING the outcome must be recorded even if the caller goes away
	ctx = context.WithoutCancel(ctx)
	log.Info("transaction processing", slog.String("vendor_id", t.VendorID), slog.Int64("amount", t.Amount))
	return s.dispatch(ctx, t, candidates)
}

// dispatch sends the purchase to each candidate in turn until one of them is
// actually reached.
func (s *Service) dispatch(ctx context.Context, t Transaction, candidates []string) (Transaction, error) {
	var lastErr error
	for i, vendorID := range candidates {
		if i > 0 {
			var err error
			t, err = s.reroute(ctx, t.ID, vendorID)
			if err != nil {
				return t, s.storageFailure(ctx, "reroute transaction", err)
			}
		}
		res, err := s.gateway.Purchase(ctx, gateway.PurchaseRequest{
			VendorID:    vendorID,
			ProductCode: t.ProductCode,
			Amount:      t.Amount,
			CustomerRef: t.CustomerRef,
			Reference:   t.ID,
		})
		if errors.Is(err, gateway.ErrNotAttempted) {
			lastErr = err
			s.logger.Warn("vendor not attempted",
				slog.String("transaction_id", t.ID),
				slog.String("vendor_id", vendorID),
				slog.Any("error", err))
			continue
		}
		return s.settle(ctx, t, res, err)
	}
	return s.failAndRefund(ctx, t, fmt.Sprintf("vendor unavailable: %v", lastErr))
}

// settle applies the first answer from the vendor.
func (s *Service) settle(ctx context.Context, t Transaction, res gateway.PurchaseResult, callErr error) (Transaction, error) {
	switch {
	case callErr != nil:
		return s.recheck(ctx, t, callErr.Error())
	case res.Status == gateway.StatusSuccess:
		return s.markSuccess(ctx, t, res.VendorRef)
	case res.Status == gateway.StatusFailed:
		return s.failAndRefund(ctx, t, orDefault(res.Message, "vendor reported failure"))
	default:
		return s.recheck(ctx, t, orDefault(res.Message, "vendor reported pending"))
	}
}

func (s *Service) markSuccess(ctx context.Context, t Transaction, vendorRef string) (Transaction, error) {
	next, err := s.transition(ctx, t.ID, StatusProcessing, StatusSuccess, func(t *Transaction) {
		if vendorRef != "" {
			t.VendorRef = vendorRef
		}
		t.ErrorMessage = ""
	})
	if err != nil {
		return s.concurrentOutcome(ctx, next, err)
	}
	metrics.Transactions.WithLabelValues("success").Inc()
	s.logger.Info("transaction succeeded",
		slog.String("transaction_id", next.ID),
		slog.String("account_id", next.AccountID),
		slog.String("vendor_id", next.VendorID),
		slog.Int64("amount", next.Amount))
	s.notify(ctx, next, notification.KindTransactionSuccess)
	return next, nil
}

// failAndRefund records a definitive failure and writes the compensating credit.
func (s *Service) failAndRefund(ctx context.Context, t Transaction, reason string) (Transaction, error) {
	if t.Status == StatusPending || t.Status == StatusProcessing {
		next, err := s.transition(ctx, t.ID, t.Status, StatusFailed, func(t *Transaction) {
			t.ErrorMessage = reason
		})
		if err != nil {
			return s.concurrentOutcome(ctx, next, err)
		}
		t = next
	}
	return s.completeRefund(ctx, t)
}

// completeRefund moves a FAILED transaction to REFUNDED. The ledger refund is
// idempotent so a retry after a crash writes no second credit.
func (s *Service) completeRefund(ctx context.Context, t Transaction) (Transaction, error) {
	if _, err := s.guard.Refund(ctx, t.ID); err != nil {
		if errors.Is(err, balance.ErrNoDebit) {
			s.alerter.Alert(ctx, notification.SeverityCritical,
				"failed transaction "+t.ID+" has no reservation",
				"refusing to mark REFUNDED without a debit to compensate")
			return t, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		// stays FAILED with a reconcile time so the sweeper retries the refund
		return t, s.storageFailure(ctx, "refund transaction", err)
	}
	next, err := s.transition(ctx, t.ID, StatusFailed, StatusRefunded, nil)
	if err != nil {
		return s.concurrentOutcome(ctx, next, err)
	}
	metrics.Transactions.WithLabelValues("refunded").Inc()
	s.logger.Info("transaction refunded",
		slog.String("transaction_id", next.ID),
		slog.String("account_id", next.AccountID),
		slog.String("vendor_id", next.VendorID),
		slog.Int64("amount", next.Amount),
		slog.String("reason", next.ErrorMessage))
	s.notify(ctx, next, notification.KindTransactionRefunded)
	return next, nil
}

// recheck keeps a PROCESSING transaction open and schedules the next vendor
// status check with exponential backoff.
func (s *Service) recheck(ctx context.Context, t Transaction, reason string) (Transaction, error) {
	var unresolved time.Duration
	next, err := s.repo.Update(ctx, t.ID, func(t *Transaction) error {
		if t.Status != StatusProcessing {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, t.ID, t.Status)
		}
		now := s.now().UTC()
		at := now.Add(backoff.Capped(s.cfg.ReconcileDelay, t.ReconcileAttempts, s.cfg.MaxReconcileDelay))
		t.ReconcileAttempts++
		t.NextReconcileAt = &at
		t.ErrorMessage = reason
		t.UpdatedAt = now
		unresolved = now.Sub(t.CreatedAt)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			current, getErr := s.repo.Get(ctx, t.ID)
			if getErr == nil {
				return current, nil
			}
		}
		return t, s.storageFailure(ctx, "schedule reconciliation", err)
	}
	metrics.Transactions.WithLabelValues("pending").Inc()
	s.logger.Warn("transaction outcome ambiguous",
		slog.String("transaction_id", next.ID),
		slog.String("vendor_id", next.VendorID),
		slog.String("reason", reason),
		slog.Time("next_reconcile_at", *next.NextReconcileAt))
	if unresolved >= s.cfg.AlertAfter {
		s.alerter.Alert(ctx, notification.SeverityWarning,
			"transaction "+next.ID+" unresolved",
			fmt.Sprintf("vendor %s has not confirmed after %s (%d checks)", next.VendorID, unresolved.Round(time.Minute), next.ReconcileAttempts))
	}
	return next, ErrAmbiguousOutcome
}

func (s *Service) reject(ctx context.Context, t Transaction, reason string) Transaction {
	next, err := s.transition(ctx, t.ID, StatusPending, StatusRejected, func(t *Transaction) {
		t.ErrorMessage = reason
	})
	if err != nil {
		// the sweeper will close the row
		s.logger.Error("reject transaction failed", slog.String("transaction_id", t.ID), slog.Any("error", err))
		return t
	}
	s.logger.Info("transaction rejected", slog.String("transaction_id", t.ID), slog.String("reason", reason))
	return next
}

func (s *Service) reroute(ctx context.Context, id, vendorID string) (Transaction, error) {
	return s.repo.Update(ctx, id, func(t *Transaction) error {
		if t.Status != StatusProcessing {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, t.ID, t.Status)
		}
		s.logger.Info("transaction rerouted",
			slog.String("transaction_id", t.ID),
			slog.String("from", t.VendorID),
			slog.String("to", vendorID))
		t.VendorID = vendorID
		t.UpdatedAt = s.now().UTC()
		return nil
	})
}

// transition moves id from one status to another. On ErrInvalidTransition the
// returned transaction is the current row.
func (s *Service) transition(ctx context.Context, id string, from, to Status, mutate func(t *Transaction)) (Transaction, error) {
	var current Transaction
	next, err := s.repo.Update(ctx, id, func(t *Transaction) error {
		if t.Status != from || !from.CanTransitionTo(to) {
			current = *t
			return fmt.Errorf("%w: %s is %s, wanted %s -> %s", ErrInvalidTransition, id, t.Status, from, to)
		}
		now := s.now().UTC()
		t.Status = to
		t.UpdatedAt = now
		switch to {
		case StatusSuccess, StatusFailed, StatusRejected:
			t.CompletedAt = &now
		}
		if to.Terminal() {
			t.NextReconcileAt = nil
		} else {
			at := now.Add(s.cfg.ReconcileDelay)
			t.NextReconcileAt = &at
		}
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return current, err
	}
	return next, err
}

// concurrentOutcome resolves a lost compare-and-set: another path already moved
// the transaction, so its current state is the answer.
func (s *Service) concurrentOutcome(ctx context.Context, current Transaction, err error) (Transaction, error) {
	if errors.Is(err, ErrInvalidTransition) {
		s.logger.Info("transaction settled concurrently",
			slog.String("transaction_id", current.ID),
			slog.String("status", string(current.Status)))
		return current, nil
	}
	return current, s.storageFailure(ctx, "update transaction", err)
}

// checkThrottle counts the request against the caller that owns the account.
func (s *Service) checkThrottle(ctx context.Context, callerID string) error {
	if s.throttle == nil {
		return nil
	}
	d, err := s.throttle.Check(ctx, callerID)
	if err != nil {
		s.logger.Warn("caller throttle unavailable", slog.String("caller_id", callerID), slog.Any("error", err))
		return nil
	}
	if !d.Allowed {
		metrics.Transactions.WithLabelValues("throttled").Inc()
		return &ThrottledError{RetryAfter: d.RetryAfter}
	}
	return nil
}

// storageFailure wraps err as an indeterminate outcome and alerts operators.
func (s *Service) storageFailure(ctx context.Context, op string, err error) error {
	metrics.Transactions.WithLabelValues("error").Inc()
	s.logger.Error("transaction storage failure", slog.String("op", op), slog.Any("error", err))
	s.alerter.Alert(ctx, notification.SeverityWarning, "transaction storage failure", fmt.Sprintf("%s: %v", op, err))
	if errors.Is(err, ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func (s *Service) notify(ctx context.Context, t Transaction, kind string) {
	err := s.notifier.Send(ctx, notification.Message{
		Kind:        kind,
		Destination: t.CallbackURL,
		Body: notification.TransactionEvent{
			Event:         kind,
			TransactionID: t.ID,
			AccountID:     t.AccountID,
			Amount:        t.Amount,
			Status:        string(t.Status),
			VendorID:      t.VendorID,
			VendorRef:     t.VendorRef,
			Message:       t.ErrorMessage,
			OccurredAt:    t.UpdatedAt,
		},
	})
	if err != nil {
		s.logger.Error("enqueue transaction notification failed",
			slog.String("transaction_id", t.ID),
			slog.String("kind", kind),
			slog.Any("error", err))
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
