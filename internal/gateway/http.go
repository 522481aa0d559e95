package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPGateway speaks the vendor JSON API: POST {base}/purchase and
// GET {base}/status/{reference}.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway builds a client for one vendor. timeout bounds every call.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type purchaseBody struct {
	Reference   string `json:"reference"`
	ProductCode string `json:"product_code"`
	Amount      int64  `json:"amount"`
	CustomerRef string `json:"customer_ref"`
}

type vendorReply struct {
	Status    string `json:"status"`
	VendorRef string `json:"vendor_ref"`
	Message   string `json:"message"`
}

func (g *HTTPGateway) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	body, err := json.Marshal(purchaseBody{
		Reference:   req.Reference,
		ProductCode: req.ProductCode,
		Amount:      req.Amount,
		CustomerRef: req.CustomerRef,
	})
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("%w: encode purchase: %w", ErrNotAttempted, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/purchase", bytes.NewReader(body))
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("%w: build purchase request: %w", ErrNotAttempted, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)
	return g.do(httpReq, true)
}

func (g *HTTPGateway) CheckStatus(ctx context.Context, _, reference string) (PurchaseResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/status/"+url.PathEscape(reference), nil)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("%w: build status request: %w", ErrNotAttempted, err)
	}
	return g.do(httpReq, false)
}

// do classifies a vendor exchange. 2xx carries a status body. When
// rejections is set, 4xx other than 408 and 429 is a definitive rejection of
// the purchase; a status query only reports FAILED through a 2xx body, so any
// other reply is ambiguous.
func (g *HTTPGateway) do(req *http.Request, rejections bool) (PurchaseResult, error) {
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("%w: %w", ErrAmbiguous, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("%w: read body: %w", ErrAmbiguous, err)
	}

	var reply vendorReply
	_ = json.Unmarshal(raw, &reply)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		status, err := ParseStatus(reply.Status)
		if err != nil {
			return PurchaseResult{}, err
		}
		return PurchaseResult{Status: status, VendorRef: reply.VendorRef, Message: reply.Message}, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return PurchaseResult{}, fmt.Errorf("%w: vendor returned %d", ErrAmbiguous, resp.StatusCode)
	case rejections && resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := reply.Message
		if msg == "" {
			msg = fmt.Sprintf("vendor rejected request with %d", resp.StatusCode)
		}
		return PurchaseResult{Status: StatusFailed, VendorRef: reply.VendorRef, Message: msg}, nil
	default:
		return PurchaseResult{}, fmt.Errorf("%w: vendor returned %d", ErrAmbiguous, resp.StatusCode)
	}
}
