package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerEnqueueAndGet(t *testing.T) {
	q := NewQueue(NewMemoryRepository(), 6)
	h := NewHandler(q)
	app := fiber.New()
	app.Post("/webhooks", h.Enqueue)
	app.Get("/webhooks/:id", h.Get)

	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(`{"target_url":"https://example.com/cb","payload":{"order":"A1"}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created jobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "PENDING", created.Status)
	assert.NotNil(t, created.NextAttemptAt)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/"+created.ID, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/unknown", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(`{"target_url":"not a url","payload":{}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
