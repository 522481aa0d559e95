package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paycore/internal/logging"
	"github.com/congo-pay/paycore/internal/throttle"
)

func TestRequestIDEchoesOrGenerates(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(RequestIDFrom(c)) })

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "req-1", resp.Header.Get(requestIDHeader))

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestRequireCaller(t *testing.T) {
	app := fiber.New()
	app.Use(Caller(), RequireCaller())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(CallerID(c)) })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(CallerHeader, " user-9 ")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRequireAdmin(t *testing.T) {
	cases := []struct {
		name   string
		key    string
		header string
		want   int
	}{
		{"matching key", "ops-key", "ops-key", fiber.StatusNoContent},
		{"missing header", "ops-key", "", fiber.StatusForbidden},
		{"wrong key", "ops-key", "ops-kex", fiber.StatusForbidden},
		{"disabled", "", "", fiber.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Post("/", RequireAdmin(tc.key), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

			req := httptest.NewRequest(fiber.MethodPost, "/", nil)
			if tc.header != "" {
				req.Header.Set(AdminHeader, tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestCallerThrottleBlocksWithRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter, err := throttle.NewLimiter(throttle.NewMemoryStore(),
		throttle.Policy{Limit: 2, Window: time.Minute, Suspension: 10 * time.Minute},
		logging.Discard(), throttle.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	app := fiber.New()
	app.Use(Caller(), CallerThrottle(limiter, logging.Discard()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	call := func(caller string) *http.Response {
		req := httptest.NewRequest(fiber.MethodGet, "/", nil)
		if caller != "" {
			req.Header.Set(CallerHeader, caller)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, fiber.StatusNoContent, call("c1").StatusCode)
	assert.Equal(t, fiber.StatusNoContent, call("c1").StatusCode)
	blocked := call("c1")
	assert.Equal(t, fiber.StatusTooManyRequests, blocked.StatusCode)
	assert.Equal(t, "600", blocked.Header.Get(fiber.HeaderRetryAfter))

	assert.Equal(t, fiber.StatusNoContent, call("c2").StatusCode, "other callers are unaffected")
	assert.Equal(t, fiber.StatusNoContent, call("").StatusCode, "anonymous requests pass through")
}
