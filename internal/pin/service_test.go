package pin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/paycore/internal/logging"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newService(t *testing.T) (*Service, Repository, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	repo := NewMemoryRepository()
	svc := NewService(repo, logging.Discard(), WithCost(bcrypt.MinCost), WithClock(c.now))
	require.NoError(t, svc.Set(context.Background(), "user-1", "123456"))
	return svc, repo, c
}

func TestVerifyNotConfigured(t *testing.T) {
	svc := NewService(NewMemoryRepository(), logging.Discard(), WithCost(bcrypt.MinCost))
	require.ErrorIs(t, svc.Verify(context.Background(), "ghost", "123456"), ErrNotConfigured)
}

func TestSetValidatesFormat(t *testing.T) {
	svc, _, _ := newService(t)
	for _, bad := range []string{"", "1234", "12345", "1234567", "12345a", "１２３４５６"} {
		assert.ErrorIs(t, svc.Set(context.Background(), "user-1", bad), ErrInvalidFormat, bad)
	}
}

func TestSetStoresSaltedHash(t *testing.T) {
	svc, repo, _ := newService(t)
	ctx := context.Background()
	first, err := repo.Get(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, svc.Set(ctx, "user-1", "123456"))
	second, err := repo.Get(ctx, "user-1")
	require.NoError(t, err)

	assert.NotEqual(t, []byte("123456"), first.PinHash)
	assert.NotEqual(t, first.PinHash, second.PinHash, "each set uses a fresh salt")
}

func TestLockoutAfterThreeFailures(t *testing.T) {
	svc, repo, c := newService(t)
	ctx := context.Background()

	for i, remaining := range []int{2, 1} {
		err := svc.Verify(ctx, "user-1", "000000")
		var incorrect *IncorrectPinError
		require.ErrorAs(t, err, &incorrect, "attempt %d", i+1)
		assert.Equal(t, remaining, incorrect.AttemptsRemaining)
	}

	err := svc.Verify(ctx, "user-1", "000000")
	require.ErrorIs(t, err, ErrLocked)
	p, err := repo.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, p.FailedAttempts, "counter restarts once locked")
	require.NotNil(t, p.LockedUntil)
	assert.Equal(t, c.t.Add(time.Hour), *p.LockedUntil)

	// a correct pin is refused while locked and no attempt is consumed
	c.t = c.t.Add(30 * time.Minute)
	err = svc.Verify(ctx, "user-1", "123456")
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 30, locked.RetryAfterMinutes())
	p, err = repo.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, p.FailedAttempts)

	c.t = c.t.Add(30 * time.Minute)
	require.NoError(t, svc.Verify(ctx, "user-1", "123456"))
	p, err = repo.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, p.FailedAttempts)
	assert.Nil(t, p.LockedUntil)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	svc, repo, _ := newService(t)
	ctx := context.Background()

	require.ErrorIs(t, svc.Verify(ctx, "user-1", "999999"), ErrIncorrectPin)
	require.ErrorIs(t, svc.Verify(ctx, "user-1", "999999"), ErrIncorrectPin)
	require.NoError(t, svc.Verify(ctx, "user-1", "123456"))

	p, err := repo.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, p.FailedAttempts)

	// two more failures do not lock because the streak was broken
	require.ErrorIs(t, svc.Verify(ctx, "user-1", "999999"), ErrIncorrectPin)
	require.ErrorIs(t, svc.Verify(ctx, "user-1", "999999"), ErrIncorrectPin)
	require.NoError(t, svc.Verify(ctx, "user-1", "123456"))
}

func TestSetClearsLock(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = svc.Verify(ctx, "user-1", "000000")
	}
	require.ErrorIs(t, svc.Verify(ctx, "user-1", "123456"), ErrLocked)

	require.NoError(t, svc.Set(ctx, "user-1", "654321"))
	require.NoError(t, svc.Verify(ctx, "user-1", "654321"))
}

func TestLockedErrorRoundsMinutesUp(t *testing.T) {
	assert.Equal(t, 1, (&LockedError{RetryAfter: time.Second}).RetryAfterMinutes())
	assert.Equal(t, 2, (&LockedError{RetryAfter: 61 * time.Second}).RetryAfterMinutes())
	assert.Equal(t, 60, (&LockedError{RetryAfter: time.Hour}).RetryAfterMinutes())
	assert.False(t, errors.Is(&LockedError{}, ErrIncorrectPin))
}

func TestHandlerVerifyFlow(t *testing.T) {
	svc, _, _ := newService(t)
	app := fiber.New()
	h := NewHandler(svc, func(c *fiber.Ctx) string { return c.Get("X-Caller-ID") })
	app.Put("/pin", h.Set)
	app.Post("/pin/verify", h.Verify)

	do := func(method, path, body, caller string) *http.Response {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if caller != "" {
			req.Header.Set("X-Caller-ID", caller)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/pin/verify", `{"pin":"123456"}`, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(http.MethodPost, "/pin/verify", `{"pin":"123456"}`, "user-2").StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPut, "/pin", `{"pin":"12"}`, "user-2").StatusCode)
	assert.Equal(t, http.StatusNoContent, do(http.MethodPut, "/pin", `{"pin":"111111"}`, "user-2").StatusCode)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/pin/verify", `{"pin":"111111"}`, "user-2").StatusCode)

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/pin/verify", `{"pin":"000000"}`, "user-1").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/pin/verify", `{"pin":"000000"}`, "user-1").StatusCode)
	resp := do(http.MethodPost, "/pin/verify", `{"pin":"000000"}`, "user-1")
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("Retry-After"))
}
