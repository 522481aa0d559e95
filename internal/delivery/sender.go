package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-Signature"

const (
	headerDeliveryID      = "X-Delivery-Id"
	headerDeliveryAttempt = "X-Delivery-Attempt"
	headerDeliveryKind    = "X-Delivery-Kind"
	headerSignature       = SignatureHeader
)

// Sender performs one delivery attempt. A nil error means the target accepted it.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// HTTPSender POSTs the job payload to its target URL.
type HTTPSender struct {
	client *http.Client
	secret []byte
}

// NewHTTPSender builds a sender. When secret is not empty every request is
// signed with HMAC-SHA256 over the body.
func NewHTTPSender(timeout time.Duration, secret string) *HTTPSender {
	return &HTTPSender{client: &http.Client{Timeout: timeout}, secret: []byte(secret)}
}

func (s *HTTPSender) Send(ctx context.Context, job Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(job.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDeliveryID, job.ID)
	req.Header.Set(headerDeliveryAttempt, strconv.Itoa(job.Attempts+1))
	req.Header.Set(headerDeliveryKind, string(job.Kind))
	if len(s.secret) > 0 {
		req.Header.Set(headerSignature, "sha256="+Sign(s.secret, job.Payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("target responded %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid "sha256=<hex>" signature of
// payload under secret. An empty secret never verifies.
func Verify(secret, payload []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
