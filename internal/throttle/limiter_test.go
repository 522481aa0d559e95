package throttle

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paycore/internal/logging"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var testPolicy = Policy{Limit: 100, Window: time.Minute, Suspension: 15 * time.Minute}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func newTestLimiter(t *testing.T, store Store, c *clock) *Limiter {
	t.Helper()
	l, err := NewLimiter(store, testPolicy, logging.Discard(), WithClock(c.now))
	require.NoError(t, err)
	return l
}

func TestLimiterBlocksRequestOverLimit(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
			l := newTestLimiter(t, store, c)
			ctx := context.Background()

			for i := 1; i <= 100; i++ {
				d, err := l.Check(ctx, "caller-1")
				require.NoError(t, err)
				require.True(t, d.Allowed, "request %d", i)
				c.advance(100 * time.Millisecond)
			}
			d, err := l.Check(ctx, "caller-1")
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonRateExceeded, d.Reason)
			assert.Positive(t, d.RetryAfterSeconds())
			assert.Equal(t, 900, d.RetryAfterSeconds())

			other, err := l.Check(ctx, "caller-2")
			require.NoError(t, err)
			assert.True(t, other.Allowed, "callers are isolated")
		})
	}
}

func TestLimiterSuspensionExpires(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
			l := newTestLimiter(t, store, c)
			ctx := context.Background()

			for i := 0; i < 100; i++ {
				_, err := l.Check(ctx, "caller-1")
				require.NoError(t, err)
			}
			suspendedAt := c.now()
			d, err := l.Check(ctx, "caller-1")
			require.NoError(t, err)
			require.False(t, d.Allowed)

			for _, offset := range []time.Duration{time.Second, 5 * time.Minute, 15*time.Minute - time.Millisecond} {
				c.t = suspendedAt.Add(offset)
				d, err := l.Check(ctx, "caller-1")
				require.NoError(t, err)
				assert.False(t, d.Allowed, "blocked at +%s", offset)
				assert.Equal(t, 15*time.Minute-offset, d.RetryAfter)
			}

			c.t = suspendedAt.Add(15 * time.Minute)
			d, err = l.Check(ctx, "caller-1")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.State.RequestCount, "a fresh window starts after expiry")
		})
	}
}

func TestLimiterWindowResets(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
			l := newTestLimiter(t, store, c)
			ctx := context.Background()

			for round := 0; round < 3; round++ {
				for i := 0; i < 100; i++ {
					d, err := l.Check(ctx, "caller-1")
					require.NoError(t, err)
					require.True(t, d.Allowed)
				}
				c.advance(time.Minute)
			}
		})
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	cases := []struct {
		d    Decision
		want int
	}{
		{Decision{Allowed: true}, 0},
		{Decision{RetryAfter: 1500 * time.Millisecond}, 2},
		{Decision{RetryAfter: time.Millisecond}, 1},
		{Decision{RetryAfter: 0}, 1},
		{Decision{RetryAfter: 3 * time.Second}, 3},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.d.RetryAfter), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.d.RetryAfterSeconds())
		})
	}
}

func TestNewLimiterRejectsInvalidPolicy(t *testing.T) {
	_, err := NewLimiter(NewMemoryStore(), Policy{Limit: 1, Window: time.Minute}, nil)
	require.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestMemoryStoreSweepKeepsActiveCallers(t *testing.T) {
	store := NewMemoryStore()
	c := &clock{t: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
	l := newTestLimiter(t, store, c)
	ctx := context.Background()

	_, err := l.Check(ctx, "idle")
	require.NoError(t, err)
	for i := 0; i < 101; i++ {
		_, err := l.Check(ctx, "abusive")
		require.NoError(t, err)
	}

	c.advance(2 * time.Minute)
	_, err = l.Check(ctx, "active")
	require.NoError(t, err)

	assert.Equal(t, 1, store.Sweep(c.now()))
	assert.Equal(t, 2, store.Len())
}
