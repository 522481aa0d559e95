package failover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/congo-pay/paycore/internal/lock"
	"github.com/congo-pay/paycore/internal/logging"
	"github.com/congo-pay/paycore/internal/metrics"
	"github.com/congo-pay/paycore/internal/notification"
)

// Outcome counts finished transactions of one vendor.
type Outcome struct {
	VendorID  string
	Successes int
	Failures  int
}

// OutcomeSource reports per-vendor outcomes of transactions completed since a point in time.
type OutcomeSource interface {
	VendorOutcomes(ctx context.Context, since time.Time) ([]Outcome, error)
}

// Thresholds configures health evaluation.
type Thresholds struct {
	Window         time.Duration
	UnstableRatio  float64
	DownRatio      float64
	MinSamples     int
	RecoveryCycles int
}

// Engine periodically recomputes vendor health. It never runs on the request path.
type Engine struct {
	source     OutcomeSource
	store      HealthStore
	vendors    []string
	thresholds Thresholds
	alerter    notification.Alerter
	logger     *slog.Logger
	now        func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine for the vendor pool.
func NewEngine(source OutcomeSource, store HealthStore, vendors []string, t Thresholds, alerter notification.Alerter, logger *slog.Logger, opts ...EngineOption) *Engine {
	if t.RecoveryCycles <= 0 {
		t.RecoveryCycles = 1
	}
	if alerter == nil {
		alerter = notification.NopAlerter{}
	}
	e := &Engine{
		source:     source,
		store:      store,
		vendors:    vendors,
		thresholds: t,
		alerter:    alerter,
		logger:     logging.Component(logger, "failover"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs one evaluation cycle and stores the result for every vendor.
func (e *Engine) Evaluate(ctx context.Context) ([]Health, error) {
	now := e.now().UTC()
	outcomes, err := e.source.VendorOutcomes(ctx, now.Add(-e.thresholds.Window))
	if err != nil {
		return nil, fmt.Errorf("load vendor outcomes: %w", err)
	}
	byVendor := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		byVendor[o.VendorID] = o
	}

	out := make([]Health, 0, len(e.vendors))
	for _, vendorID := range e.vendors {
		prev, _, err := e.store.Get(ctx, vendorID)
		if err != nil {
			return nil, err
		}
		next := e.score(prev, byVendor[vendorID], now)
		next.VendorID = vendorID
		if err := e.store.Put(ctx, next); err != nil {
			return nil, err
		}
		metrics.VendorHealth.WithLabelValues(vendorID).Set(next.Status.gauge())
		metrics.VendorFailureRate.WithLabelValues(vendorID).Set(next.FailureRate)
		e.reportChange(ctx, prev, next)
		out = append(out, next)
	}
	return out, nil
}

// score derives the next Health. Too few samples count as a zero failure
// rate. An unhealthy vendor is restored only after RecoveryCycles clean evaluations.
func (e *Engine) score(prev Health, o Outcome, now time.Time) Health {
	samples := o.Successes + o.Failures
	rate := 0.0
	if samples > 0 && samples >= e.thresholds.MinSamples {
		rate = float64(o.Failures) / float64(samples)
	}

	next := Health{FailureRate: rate, Samples: samples, LastEvaluatedAt: now}
	switch {
	case rate >= e.thresholds.DownRatio:
		next.Status = StatusDown
	case rate >= e.thresholds.UnstableRatio:
		next.Status = StatusUnstable
	default:
		next.Status = StatusHealthy
	}

	if next.Status == StatusHealthy && !prev.Status.Routable() {
		next.CleanCycles = prev.CleanCycles + 1
		if next.CleanCycles < e.thresholds.RecoveryCycles {
			next.Status = prev.Status
		} else {
			next.CleanCycles = 0
		}
	}
	return next
}

func (e *Engine) reportChange(ctx context.Context, prev, next Health) {
	if prev.Status == next.Status || (prev.Status == "" && next.Status == StatusHealthy) {
		return
	}
	e.logger.Warn("vendor health changed",
		slog.String("vendor_id", next.VendorID),
		slog.String("from", string(prev.Status)),
		slog.String("to", string(next.Status)),
		slog.Float64("failure_rate", next.FailureRate),
		slog.Int("samples", next.Samples))
	if next.Status == StatusDown {
		e.alerter.Alert(ctx, notification.SeverityWarning,
			"vendor "+next.VendorID+" removed from routing",
			fmt.Sprintf("failure rate %.2f over %d transactions", next.FailureRate, next.Samples))
	}
}

// Run evaluates every interval until ctx is done. Each pass runs under locker
// so that only one instance evaluates per cycle.
func (e *Engine) Run(ctx context.Context, interval time.Duration, locker lock.Locker) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := locker.TryRun(ctx, "failover-evaluate", interval, func(ctx context.Context) error {
				_, err := e.Evaluate(ctx)
				return err
			})
			if err != nil {
				e.logger.Error("vendor health evaluation failed", slog.Any("error", err))
			}
		}
	}
}
