// Package notify plans and dispatches SLA notifications: per-order
// reminders to organization chat groups and per-org escalations to the
// operations channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"slawatch/internal/logging"
)

// WebhookSender posts one text message to a chat webhook. Pacing
// between calls is the manager's job; senders are stateless.
type WebhookSender interface {
	Send(ctx context.Context, webhookURL, text string) bool
}

// HTTPSender posts WeCom-style markdown payloads with client-level
// retries. Client retries here are distinct from task-level retries,
// which span ticks.
type HTTPSender struct {
	client     *http.Client
	maxRetries int
}

// NewHTTPSender creates a sender with the given per-call timeout and
// retry count.
func NewHTTPSender(timeout time.Duration, maxRetries int) *HTTPSender {
	return &HTTPSender{
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}
}

// webhookPayload is the chat platform's markdown message shape.
type webhookPayload struct {
	MsgType  string `json:"msgtype"`
	Markdown struct {
		Content string `json:"content"`
	} `json:"markdown"`
}

// Send posts text to webhookURL. Any error code or transport failure
// after retries yields false.
func (s *HTTPSender) Send(ctx context.Context, webhookURL, text string) bool {
	var payload webhookPayload
	payload.MsgType = "markdown"
	payload.Markdown.Content = text
	body, err := json.Marshal(payload)
	if err != nil {
		logging.WebhookError("Payload marshal failed: %v", err)
		return false
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			}
		}
		if s.post(ctx, webhookURL, body) {
			return true
		}
	}
	return false
}

func (s *HTTPSender) post(ctx context.Context, webhookURL string, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		logging.WebhookError("Request build failed: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		logging.WebhookError("Webhook call failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		logging.WebhookError("Webhook returned %d", resp.StatusCode)
		return false
	}
	logging.Webhook("Delivered %d bytes", len(body))
	return true
}
