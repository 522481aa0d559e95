package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paycore/internal/logging"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeSender struct {
	mu    sync.Mutex
	err   error
	calls []Job
}

func (s *fakeSender) Send(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, job)
	return s.err
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func setup(t *testing.T, sender Sender, opts ...WorkerOption) (*Queue, *Worker, Repository, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := NewMemoryRepository()
	q := NewQueue(repo, 6, WithQueueClock(c.now))
	opts = append(opts, WithWorkerClock(c.now))
	w := NewWorker(repo, sender, WorkerConfig{BatchSize: 10, Concurrency: 2}, logging.Discard(), opts...)
	return q, w, repo, c
}

func TestQueueValidatesInput(t *testing.T) {
	q, _, _, _ := setup(t, &fakeSender{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EnqueueInput{TargetURL: "ftp://example.com", Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrInvalidTarget)
	_, err = q.Enqueue(ctx, EnqueueInput{TargetURL: "/relative", Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrInvalidTarget)
	_, err = q.Enqueue(ctx, EnqueueInput{TargetURL: "https://example.com/hook", Payload: json.RawMessage(`{nope`)})
	require.ErrorIs(t, err, ErrInvalidPayload)

	job, err := q.Enqueue(ctx, EnqueueInput{TargetURL: "https://example.com/hook", Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, KindWebhook, job.Kind)
	assert.Equal(t, 6, job.MaxAttempts)
}

func TestWorkerDeliversPendingJob(t *testing.T) {
	sender := &fakeSender{}
	q, w, repo, _ := setup(t, sender)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueInput{TargetURL: "https://example.com/hook", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Nil(t, stored.LockedAt)

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "terminal jobs are never claimed again")
}

func TestWorkerBacksOffAndGivesUpAtMaxAttempts(t *testing.T) {
	sender := &fakeSender{err: errors.New("target responded 503")}
	var gaveUp []Job
	q, w, repo, c := setup(t, sender, WithGiveUp(func(_ context.Context, job Job) { gaveUp = append(gaveUp, job) }))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueInput{TargetURL: "https://example.com/hook", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	var prevNext time.Time
	for attempt := 1; attempt <= 6; attempt++ {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", attempt)

		stored, err := repo.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, stored.Attempts)

		if attempt < 6 {
			assert.Equal(t, StatusFailed, stored.Status)
			want := c.now().Add(time.Duration(1<<(attempt-1)) * time.Minute)
			assert.Equal(t, want, stored.NextAttemptAt)
			assert.False(t, stored.NextAttemptAt.Before(prevNext), "backoff is monotonic")
			prevNext = stored.NextAttemptAt

			n, err = w.RunOnce(ctx)
			require.NoError(t, err)
			assert.Zero(t, n, "not due before next attempt")
			c.set(stored.NextAttemptAt)
			continue
		}
		assert.Equal(t, StatusGaveUp, stored.Status)
		assert.Equal(t, "target responded 503", stored.LastError)
	}

	require.Len(t, gaveUp, 1)
	assert.Equal(t, job.ID, gaveUp[0].ID)

	c.set(c.now().Add(24 * time.Hour))
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 6, sender.count())
}

func TestStaleProcessingJobIsReclaimed(t *testing.T) {
	sender := &fakeSender{}
	q, w, repo, c := setup(t, sender)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueInput{TargetURL: "https://example.com/hook", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	// a worker that crashed after claiming
	claimed, err := repo.ClaimDue(ctx, c.now(), c.now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claims are honored")

	c.set(c.now().Add(6 * time.Minute))
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, stored.Status)
	assert.Equal(t, 2, stored.Attempts, "the abandoned claim counts as an attempt")

	// the crashed worker's late write must not clobber the result
	claimed[0].Status = StatusFailed
	require.ErrorIs(t, repo.Finish(ctx, claimed[0]), ErrLockLost)
}

func TestJobThatKeepsCrashingWorkersGivesUp(t *testing.T) {
	sender := &fakeSender{}
	var abandoned []Job
	q, w, repo, c := setup(t, sender, WithGiveUp(func(_ context.Context, job Job) {
		abandoned = append(abandoned, job)
	}))
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueInput{TargetURL: "https://example.com/hook", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.Equal(t, 6, job.MaxAttempts)

	// every claim dies before recording an outcome
	for i := 0; i < job.MaxAttempts; i++ {
		claimed, err := repo.ClaimDue(ctx, c.now(), c.now().Add(-5*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, StatusProcessing, claimed[0].Status)
		assert.Equal(t, i, claimed[0].Attempts)
		c.set(c.now().Add(6 * time.Minute))
	}

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, sender.count())

	stored, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusGaveUp, stored.Status)
	assert.Equal(t, job.MaxAttempts, stored.Attempts)
	assert.Nil(t, stored.LockedAt)
	assert.Equal(t, claimExpired, stored.LastError)
	require.Len(t, abandoned, 1)
	assert.Equal(t, job.ID, abandoned[0].ID)

	c.set(c.now().Add(time.Hour))
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, abandoned, 1)
}

func TestConcurrentWorkersDeliverEachJobOnce(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	repo := NewMemoryRepository()
	q := NewQueue(repo, 3)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		_, err := q.Enqueue(ctx, EnqueueInput{TargetURL: srv.URL, Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}

	sender := NewHTTPSender(time.Second, "")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := NewWorker(repo, sender, WorkerConfig{BatchSize: 5, Concurrency: 3}, logging.Discard())
			for {
				n, err := w.RunOnce(ctx)
				if err != nil || n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(40), hits.Load())
}

func TestHTTPSenderSignsAndReportsStatus(t *testing.T) {
	payload := []byte(`{"event":"transaction.success"}`)
	var gotSig, gotID, gotAttempt string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(headerSignature)
		gotID = r.Header.Get(headerDeliveryID)
		gotAttempt = r.Header.Get(headerDeliveryAttempt)
		gotBody, _ = io.ReadAll(r.Body)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(time.Second, "topsecret")
	job := Job{ID: "job-1", Kind: KindWebhook, TargetURL: srv.URL + "/ok", Payload: payload, Attempts: 2}
	require.NoError(t, s.Send(context.Background(), job))
	assert.Equal(t, "sha256="+Sign([]byte("topsecret"), payload), gotSig)
	assert.Equal(t, "job-1", gotID)
	assert.Equal(t, "3", gotAttempt)
	assert.Equal(t, payload, gotBody)

	job.TargetURL = srv.URL + "/fail"
	require.Error(t, s.Send(context.Background(), job))
}

func TestVerifyAcceptsOnlyMatchingSignature(t *testing.T) {
	secret := []byte("topsecret")
	payload := []byte(`{"reference":"tx-1","status":"FAILED"}`)
	header := "sha256=" + Sign(secret, payload)

	assert.True(t, Verify(secret, payload, header))
	assert.False(t, Verify([]byte("other"), payload, header))
	assert.False(t, Verify(secret, []byte(`{"reference":"tx-1","status":"SUCCESS"}`), header))
	assert.False(t, Verify(secret, payload, Sign(secret, payload)), "prefix is required")
	assert.False(t, Verify(secret, payload, "sha256=zz"))
	assert.False(t, Verify(nil, payload, "sha256="+Sign(nil, payload)))
}
