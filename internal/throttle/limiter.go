package throttle

import (
	"context"
	"log/slog"
	"time"

	"github.com/congo-pay/paycore/internal/logging"
	"github.com/congo-pay/paycore/internal/metrics"
)

// Limiter checks callers against a Policy.
type Limiter struct {
	store  Store
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter builds a limiter. The policy must have positive values.
func NewLimiter(store Store, policy Policy, logger *slog.Logger, opts ...Option) (*Limiter, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	l := &Limiter{store: store, policy: policy, logger: logging.Component(logger, "throttle"), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check counts one request for callerID and reports whether it may proceed.
func (l *Limiter) Check(ctx context.Context, callerID string) (Decision, error) {
	now := l.now()
	d, err := l.store.Hit(ctx, callerID, now, l.policy)
	if err != nil {
		metrics.ThrottleDecisions.WithLabelValues("error").Inc()
		return Decision{}, err
	}
	if d.Allowed {
		metrics.ThrottleDecisions.WithLabelValues("allow").Inc()
		return d, nil
	}
	metrics.ThrottleDecisions.WithLabelValues("block").Inc()
	if d.State.SuspendedUntil.Equal(now.Add(l.policy.Suspension)) {
		l.logger.Warn("caller suspended",
			slog.String("caller_id", callerID),
			slog.String("reason", d.Reason),
			slog.Time("suspended_until", d.State.SuspendedUntil))
	}
	return d, nil
}

// Policy returns the configured policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

type sweeper interface {
	Sweep(now time.Time) int
}

// RunJanitor periodically reclaims idle callers when the store keeps state in
// process memory. It returns when ctx is done.
func (l *Limiter) RunJanitor(ctx context.Context, interval time.Duration) error {
	sw, ok := l.store.(sweeper)
	if !ok {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := sw.Sweep(l.now()); n > 0 {
				l.logger.Debug("reclaimed idle callers", slog.Int("count", n))
			}
		}
	}
}
