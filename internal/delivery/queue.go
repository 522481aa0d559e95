package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Queue accepts new delivery jobs.
type Queue struct {
	repo        Repository
	maxAttempts int
	now         func() time.Time
}

// QueueOption customizes a Queue.
type QueueOption func(*Queue)

// WithQueueClock overrides the time source.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue builds a queue whose jobs give up after maxAttempts failed deliveries.
func NewQueue(repo Repository, maxAttempts int, opts ...QueueOption) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 6
	}
	q := &Queue{repo: repo, maxAttempts: maxAttempts, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueInput describes a job to deliver.
type EnqueueInput struct {
	Kind      Kind
	TargetURL string
	Payload   json.RawMessage
}

// Enqueue persists a PENDING job due immediately.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (Job, error) {
	if err := validateTarget(in.TargetURL); err != nil {
		return Job{}, err
	}
	if len(in.Payload) == 0 || !json.Valid(in.Payload) {
		return Job{}, ErrInvalidPayload
	}
	kind := in.Kind
	if kind == "" {
		kind = KindWebhook
	}
	now := q.now().UTC()
	job := Job{
		ID:            uuid.NewString(),
		Kind:          kind,
		TargetURL:     in.TargetURL,
		Payload:       append(json.RawMessage(nil), in.Payload...),
		Status:        StatusPending,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.repo.Create(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// EnqueueJSON marshals payload and enqueues it.
func (q *Queue) EnqueueJSON(ctx context.Context, kind Kind, targetURL string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return q.Enqueue(ctx, EnqueueInput{Kind: kind, TargetURL: targetURL, Payload: raw})
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	return q.repo.Get(ctx, id)
}

func validateTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidTarget
	}
	return nil
}
