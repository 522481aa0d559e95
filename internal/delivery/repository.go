package delivery

import (
	"context"
	"time"
)

// Repository persists delivery jobs.
type Repository interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// ClaimDue flips up to limit due jobs to PROCESSING with LockedAt = now and
	// returns them. Due means PENDING or FAILED with NextAttemptAt <= now, or
	// PROCESSING with a claim older than staleBefore. Reclaiming a stale claim
	// counts as one attempt; a reclaim that reaches MaxAttempts moves the job to
	// GAVE_UP and returns it without a claim. Jobs held by a concurrent claim are
	// skipped.
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]Job, error)
	// Finish records the attempt outcome carried by job and releases the claim.
	// It fails with ErrLockLost when job.LockedAt is no longer the current claim.
	Finish(ctx context.Context, job Job) error
}
