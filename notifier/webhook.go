package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go/v5"
)

// RetryAfterError is returned when the endpoint asks the caller to back off
type RetryAfterError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("webhook throttled with status %d, retry after %s", e.StatusCode, e.RetryAfter)
}

// WebhookChannel posts Slack-compatible JSON to an incoming webhook URL
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

type webhookPayload struct {
	Text string `json:"text"`
}

// NewWebhookChannel creates a webhook channel. A nil client uses a default
// client with verified TLS.
func NewWebhookChannel(name, url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &WebhookChannel{name: name, url: url, client: client}
}

// Name returns the channel name
func (w *WebhookChannel) Name() string {
	return w.name
}

// Send posts msg. Client errors other than 429 are not retryable.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{Text: msg.Text})
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		// the URL never appears in errors; it usually embeds a token
		return retry.Unrecoverable(fmt.Errorf("build webhook request for %s", w.name))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook %s: %w", w.name, redactURLError(err))
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryAfterError{StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Unrecoverable(fmt.Errorf("webhook %s rejected alert with status %d", w.name, resp.StatusCode))
	default:
		return fmt.Errorf("webhook %s returned status %d", w.name, resp.StatusCode)
	}
}

func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}

// redactURLError drops the request URL from transport errors
func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
