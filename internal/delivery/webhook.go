// Package delivery posts normalized events to webhook subscribers. Senders
// are only ever invoked from inside the retry queue; scheduling-level retries
// and breaker protection live there, so the in-line retry budget here is kept
// minimal.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/vietddude/ingestor/internal/core/domain"
	"github.com/vietddude/ingestor/internal/metrics"
)

// Subscription is one configured webhook target.
type Subscription struct {
	URL        string             `yaml:"url"`
	EventTypes []domain.EventType `yaml:"event_types"`
}

// Wants reports whether the subscription covers the given event type. An
// empty type list subscribes to everything.
func (s Subscription) Wants(t domain.EventType) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, et := range s.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// StatusError reports a non-2xx webhook response. It implements StatusCode()
// so the retry classifier can map it onto the error taxonomy.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d", e.URL, e.Code)
}

func (e *StatusError) StatusCode() int { return e.Code }

// WebhookSender delivers JSON payloads over HTTP with a hard per-request
// timeout.
type WebhookSender struct {
	client  *retryablehttp.Client
	timeout time.Duration
}

// NewWebhookSender creates a sender. Exceeding timeout surfaces as a timeout
// classified failure like any other.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 1
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = timeout
	return &WebhookSender{client: client, timeout: timeout}
}

// Send posts payload to url. Non-2xx responses return a *StatusError.
func (s *WebhookSender) Send(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	metrics.WebhookLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, URL: url}
	}
	return nil
}
