package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/paycore/internal/backoff"
	"github.com/congo-pay/paycore/internal/logging"
	"github.com/congo-pay/paycore/internal/metrics"
)

// WorkerConfig tunes the delivery loop.
type WorkerConfig struct {
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	// StaleAfter is how long a PROCESSING claim is honored before the job may be reclaimed.
	StaleAfter time.Duration
	// BaseBackoff is the delay after the first failure; it doubles per attempt.
	BaseBackoff time.Duration
	Timeout     time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// GiveUpFunc is called once for every job that reaches GAVE_UP.
type GiveUpFunc func(ctx context.Context, job Job)

// Worker drains due jobs from a Repository.
type Worker struct {
	repo     Repository
	sender   Sender
	cfg      WorkerConfig
	onGiveUp GiveUpFunc
	logger   *slog.Logger
	now      func() time.Time
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithWorkerClock overrides the time source.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// WithGiveUp registers the hook run when a job is abandoned.
func WithGiveUp(fn GiveUpFunc) WorkerOption {
	return func(w *Worker) { w.onGiveUp = fn }
}

// NewWorker builds a worker.
func NewWorker(repo Repository, sender Sender, cfg WorkerConfig, logger *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		repo:   repo,
		sender: sender,
		cfg:    cfg.withDefaults(),
		logger: logging.Component(logger, "delivery"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("delivery pass failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and attempts every job in it. It returns the
// number of jobs attempted; jobs abandoned at reclaim are not sent.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	jobs, err := w.repo.ClaimDue(ctx, now, now.Add(-w.cfg.StaleAfter), w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	var attempted int
	for _, job := range jobs {
		if job.Status == StatusGaveUp {
			metrics.Deliveries.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
			w.abandoned(ctx, job)
			continue
		}
		attempted++
		job := job
		g.Go(func() error {
			w.attempt(gctx, job)
			return nil
		})
	}
	return attempted, g.Wait()
}

func (w *Worker) attempt(ctx context.Context, job Job) {
	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	err := w.sender.Send(sendCtx, job)
	cancel()

	now := w.now().UTC()
	next := w.outcome(job, err, now)
	metrics.Deliveries.WithLabelValues(string(next.Kind), string(next.Status)).Inc()

	if ferr := w.repo.Finish(ctx, next); ferr != nil {
		if errors.Is(ferr, ErrLockLost) {
			w.logger.Warn("delivery claim lost", slog.String("job_id", job.ID))
			return
		}
		w.logger.Error("record delivery outcome failed", slog.String("job_id", job.ID), slog.Any("error", ferr))
		return
	}

	switch next.Status {
	case StatusDelivered:
		w.logger.Debug("delivered", slog.String("job_id", job.ID), slog.Int("attempts", next.Attempts))
	case StatusGaveUp:
		w.abandoned(ctx, next)
	default:
		w.logger.Info("delivery failed, will retry",
			slog.String("job_id", job.ID),
			slog.Int("attempts", next.Attempts),
			slog.Time("next_attempt_at", next.NextAttemptAt),
			slog.String("error", next.LastError))
	}
}

func (w *Worker) abandoned(ctx context.Context, job Job) {
	w.logger.Error("delivery abandoned",
		slog.String("job_id", job.ID),
		slog.String("target_url", job.TargetURL),
		slog.Int("attempts", job.Attempts),
		slog.String("last_error", job.LastError))
	if w.onGiveUp != nil {
		w.onGiveUp(ctx, job)
	}
}

// outcome applies one attempt result. A failure waits 2^attempts * BaseBackoff
// (attempts counted before this one) and gives up once attempts reaches MaxAttempts.
func (w *Worker) outcome(job Job, sendErr error, now time.Time) Job {
	next := job
	next.UpdatedAt = now
	if sendErr == nil {
		next.Attempts++
		next.Status = StatusDelivered
		next.LastError = ""
		return next
	}
	next.NextAttemptAt = now.Add(backoff.Exponential(w.cfg.BaseBackoff, job.Attempts))
	next.Attempts++
	next.LastError = sendErr.Error()
	if next.Attempts >= next.MaxAttempts {
		next.Status = StatusGaveUp
	} else {
		next.Status = StatusFailed
	}
	return next
}
