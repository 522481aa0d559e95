//go:build integration

package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paycore/internal/infra/pgtest"
)

func TestIntegration_PostgresRepository_ClaimSkipsLockedRows(t *testing.T) {
	repo := NewPostgresRepository(pgtest.Pool(t))
	q := NewQueue(repo, 3)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(ctx, EnqueueInput{TargetURL: "https://example.com/hook", Payload: json.RawMessage(`{"n":1}`)})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := repo.ClaimDue(ctx, time.Now(), time.Now().Add(-time.Minute), 10)
			assert.NoError(t, err)
			mu.Lock()
			for _, j := range jobs {
				seen[j.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestIntegration_PostgresRepository_FinishRequiresClaim(t *testing.T) {
	repo := NewPostgresRepository(pgtest.Pool(t))
	q := NewQueue(repo, 3)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, EnqueueInput{TargetURL: "https://example.com/hook", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	claimed, err := repo.ClaimDue(ctx, time.Now(), time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	done := claimed[0]
	done.Status = StatusDelivered
	done.Attempts = 1
	done.UpdatedAt = time.Now()
	require.NoError(t, repo.Finish(ctx, done))
	require.ErrorIs(t, repo.Finish(ctx, done), ErrLockLost)

	stored, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, stored.Status)
	assert.Nil(t, stored.LockedAt)
	assert.JSONEq(t, `{}`, string(stored.Payload))
}

func TestIntegration_PostgresRepository_StaleReclaimCountsAsAttempt(t *testing.T) {
	repo := NewPostgresRepository(pgtest.Pool(t))
	q := NewQueue(repo, 2)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, EnqueueInput{TargetURL: "https://example.com/hook", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	base := time.Now()
	claim := func(at time.Time) []Job {
		jobs, err := repo.ClaimDue(ctx, at, at.Add(-5*time.Minute), 10)
		require.NoError(t, err)
		return jobs
	}

	first := claim(base)
	require.Len(t, first, 1)
	assert.Zero(t, first[0].Attempts)

	second := claim(base.Add(10 * time.Minute))
	require.Len(t, second, 1)
	assert.Equal(t, StatusProcessing, second[0].Status)
	assert.Equal(t, 1, second[0].Attempts)
	assert.Equal(t, claimExpired, second[0].LastError)

	third := claim(base.Add(20 * time.Minute))
	require.Len(t, third, 1)
	assert.Equal(t, StatusGaveUp, third[0].Status)
	assert.Equal(t, 2, third[0].Attempts)
	assert.Nil(t, third[0].LockedAt)

	assert.Empty(t, claim(base.Add(time.Hour)))
	stored, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusGaveUp, stored.Status)
}
