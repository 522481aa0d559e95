// Package delivery is an at-least-once outbound HTTP queue with bounded,
// exponentially backed-off retries.
package delivery

import (
	"encoding/json"
	"errors"
	"time"
)

// Status tracks a job through the queue.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
	StatusGaveUp     Status = "GAVE_UP"
)

// Terminal reports whether the job will never be attempted again.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusGaveUp
}

// Kind separates caller webhooks from operator alerts.
type Kind string

const (
	KindWebhook Kind = "webhook"
	KindAlert   Kind = "alert"
)

var (
	ErrNotFound       = errors.New("delivery job not found")
	ErrInvalidTarget  = errors.New("target url must be an absolute http(s) url")
	ErrInvalidPayload = errors.New("payload must be valid JSON")
	// ErrLockLost means another worker reclaimed the job after its claim went stale.
	ErrLockLost = errors.New("delivery claim no longer held")
)

// claimExpired is recorded as LastError when a stale claim is reclaimed.
const claimExpired = "claim expired before an outcome was recorded"

// Job is one outbound delivery. LockedAt is the claim token of the worker
// currently holding a PROCESSING job.
type Job struct {
	ID            string
	Kind          Kind
	TargetURL     string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
	LockedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
