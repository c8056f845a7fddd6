// Package webhook posts the run summary to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/use-agent/shopmetrics/retry"
)

// Event types.
const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>".
const SignatureHeader = "X-Shopmetrics-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string      `json:"type"`
	RunID     string      `json:"run_id"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

var client = &http.Client{Timeout: 10 * time.Second}

// Deliver sends event once. The body is signed with HMAC-SHA256 when secret
// is non-empty.
func Deliver(ctx context.Context, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Shopmetrics-Webhook/1.0")
	if secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send delivers event with retries under policy r (nil uses 4 attempts
// spaced 1s, 2s, 4s). It blocks until delivery succeeds or retries run out.
func Send(ctx context.Context, url, secret string, event *Event, r *retry.Retrier) error {
	if r == nil {
		r = &retry.Retrier{MaxRetries: 4, BaseDelay: time.Second}
	}
	_, err := retry.Do(ctx, r, "webhook", func(ctx context.Context, attempt int) (struct{}, error) {
		err := Deliver(ctx, url, secret, event)
		if err != nil {
			slog.Warn("webhook delivery failed", "event", event.Type, "run_id", event.RunID, "attempt", attempt+1, "error", err)
		}
		return struct{}{}, err
	}, nil)
	if err != nil {
		slog.Error("webhook delivery exhausted all retries", "event", event.Type, "run_id", event.RunID)
		return err
	}
	slog.Info("webhook delivered", "event", event.Type, "run_id", event.RunID)
	return nil
}
