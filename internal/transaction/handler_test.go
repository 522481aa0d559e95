package transaction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paycore/internal/delivery"
	"github.com/congo-pay/paycore/internal/gateway"
)

func newTransactionsApp(f *fixture) *fiber.App {
	app := fiber.New()
	h := NewHandler(f.svc, func(c *fiber.Ctx) string { return c.Get("X-Caller-ID") },
		WithCallbackSecrets(map[string]string{"alpha": callbackSecret}))
	app.Post("/transactions", h.Submit)
	app.Get("/transactions/:id", h.Get)
	app.Post("/transactions/:id/reconcile", h.Reconcile)
	app.Post("/vendors/:vendorId/callback", h.Callback)
	return app
}

func send(t *testing.T, app *fiber.App, method, path, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set("X-Caller-ID", "acct-1")
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

const callbackSecret = "alpha-callback-secret"

func sendCallback(t *testing.T, app *fiber.App, vendorID, secret, body string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/vendors/"+vendorID+"/callback", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if secret != "" {
		req.Header.Set(delivery.SignatureHeader, "sha256="+delivery.Sign([]byte(secret), []byte(body)))
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

const purchaseBody = `{"amount":6000,"product_code":"AIRTIME-100","customer_ref":"242060000000"}`

func TestHandlerSubmitStatusCodes(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "acct-1", 10_000)
	app := newTransactionsApp(f)

	resp, body := send(t, app, http.MethodPost, "/transactions", "h-1", purchaseBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Equal(t, "acct-1", body["account_id"])

	resp, body = send(t, app, http.MethodPost, "/transactions", "h-1", purchaseBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE", body["error"])

	resp, body = send(t, app, http.MethodPost, "/transactions", "h-2", purchaseBody)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_FUNDS", body["error"])

	resp, _ = send(t, app, http.MethodPost, "/transactions", "", purchaseBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerAmbiguousThenCallback(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "acct-1", 10_000)
	f.gateway.purchase = func(gateway.PurchaseRequest) (gateway.PurchaseResult, error) {
		return gateway.PurchaseResult{}, gateway.ErrAmbiguous
	}
	app := newTransactionsApp(f)

	resp, body := send(t, app, http.MethodPost, "/transactions", "h-1", purchaseBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "PROCESSING", body["status"])
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	resp, _ = sendCallback(t, app, "alpha", callbackSecret, `{"reference":"`+id+`","status":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = sendCallback(t, app, "alpha", callbackSecret, `{"reference":"`+id+`","status":"failed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "REFUNDED", body["status"])

	resp, body = send(t, app, http.MethodGet, "/transactions/"+id, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "REFUNDED", body["status"])
	assert.Equal(t, int64(10_000), f.balance(t, "acct-1"))
}

func TestHandlerReconcile(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "acct-1", 10_000)
	f.gateway.purchase = func(gateway.PurchaseRequest) (gateway.PurchaseResult, error) {
		return gateway.PurchaseResult{Status: gateway.StatusPending}, nil
	}
	app := newTransactionsApp(f)

	_, body := send(t, app, http.MethodPost, "/transactions", "h-1", purchaseBody)
	id, _ := body["id"].(string)

	resp, _ := send(t, app, http.MethodPost, "/transactions/"+id+"/reconcile", "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "vendor status unknown")

	f.gateway.status = func(string, string) (gateway.PurchaseResult, error) {
		return gateway.PurchaseResult{Status: gateway.StatusSuccess}, nil
	}
	resp, body = send(t, app, http.MethodPost, "/transactions/"+id+"/reconcile", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SUCCESS", body["status"])

	resp, _ = send(t, app, http.MethodPost, "/transactions/missing/reconcile", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerSubmitChargesOnlyTheCaller(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "acct-1", 10_000)
	f.fund(t, "victim", 10_000)
	app := newTransactionsApp(f)

	resp, _ := send(t, app, http.MethodPost, "/transactions", "h-1",
		`{"account_id":"victim","amount":6000,"product_code":"AIRTIME-100"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, int64(10_000), f.balance(t, "victim"))
	assert.Equal(t, int64(10_000), f.balance(t, "acct-1"))

	req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader(purchaseBody))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(idempotencyKeyHeader, "h-2")
	anonymous, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, anonymous.StatusCode)

	resp, body := send(t, app, http.MethodPost, "/transactions", "h-3",
		`{"account_id":"acct-1","amount":6000,"product_code":"AIRTIME-100"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "acct-1", body["account_id"])
	assert.Equal(t, int64(4_000), f.balance(t, "acct-1"))
	assert.Equal(t, int64(10_000), f.balance(t, "victim"))
}

func TestHandlerGetHidesOtherAccounts(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "victim", 10_000)
	app := newTransactionsApp(f)

	theirs, err := f.svc.Submit(context.Background(), SubmitInput{
		AccountID: "victim", Amount: 1_000, ProductCode: "AIRTIME-10", IdempotencyKey: "v-1",
	})
	require.NoError(t, err)

	resp, _ := send(t, app, http.MethodGet, "/transactions/"+theirs.ID, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlerCallbackRequiresVendorSignature(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "acct-1", 10_000)
	f.gateway.purchase = func(gateway.PurchaseRequest) (gateway.PurchaseResult, error) {
		return gateway.PurchaseResult{}, gateway.ErrAmbiguous
	}
	app := newTransactionsApp(f)

	_, body := send(t, app, http.MethodPost, "/transactions", "h-1", purchaseBody)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	failed := `{"reference":"` + id + `","status":"FAILED"}`

	for name, tc := range map[string]struct{ vendor, secret string }{
		"unsigned":          {"alpha", ""},
		"wrong secret":      {"alpha", "guessed"},
		"vendor w/o secret": {"beta", callbackSecret},
	} {
		resp, _ := sendCallback(t, app, tc.vendor, tc.secret, failed)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
	}

	got, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, int64(4_000), f.balance(t, "acct-1"))

	resp, body := sendCallback(t, app, "alpha", callbackSecret, failed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "REFUNDED", body["status"])
}
