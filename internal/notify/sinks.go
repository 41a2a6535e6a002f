package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// LogSink writes every event to the logger
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(_ context.Context, ev Event) error {
	s.Logger.Info("notification", "event", ev.Name, "payload", string(ev.Payload))
	return nil
}

// WebhookConfig points notifications at an HTTP endpoint
type WebhookConfig struct {
	URL      string            `toml:"url"`
	Timeout  time.Duration     `toml:"timeout"`
	RetryMax int               `toml:"retry_max"`
	Headers  map[string]string `toml:"headers"`
}

// WebhookSink POSTs each event as JSON. Transient failures are retried a few
// times in-process; anything beyond that is left to the outbox.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *retryablehttp.Client
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(config WebhookConfig, logger *slog.Logger) (*WebhookSink, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}

	client := retryablehttp.NewClient()
	client.Logger = logger
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
	}

	return &WebhookSink{url: config.URL, headers: config.Headers, client: client}, nil
}

func (s *WebhookSink) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Name", ev.Name)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", ev.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver %s: webhook returned %s", ev.Name, resp.Status)
	}
	return nil
}
