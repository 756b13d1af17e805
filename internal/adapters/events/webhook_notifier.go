package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookNotifier delivers isolation alerts to a configured HTTP endpoint.
// Each request is signed with HMAC-SHA256 so the receiver can verify
// authenticity. Non-2xx responses are treated as errors, letting the monitor
// apply its retry policy.
type WebhookNotifier struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhookNotifier returns a WebhookNotifier that POSTs alerts to url and
// signs them with secret using HMAC-SHA256.  A zero or negative timeout falls
// back to defaultWebhookTimeout (10 s).
func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
	}
}

// Notify marshals the alert to JSON, signs the body, and POSTs it to the
// configured webhook URL.  The following headers are set on every request:
//
//	Content-Type:        application/json
//	X-Brf-Tenant:        <alert.TenantID>
//	X-Brf-Severity:      <alert.Severity>
//	X-Hub-Signature-256: sha256=<hex-encoded HMAC-SHA256>
func (n *WebhookNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	sig := n.sign(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Brf-Tenant", alert.TenantID)
	req.Header.Set("X-Brf-Severity", string(alert.Severity))
	req.Header.Set("X-Hub-Signature-256", "sha256="+sig)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sign returns the lowercase hex-encoded HMAC-SHA256 of payload using n.secret.
func (n *WebhookNotifier) sign(payload []byte) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
