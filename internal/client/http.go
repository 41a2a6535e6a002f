package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/livinlefevreloca/erpbridge/internal/breaker"
)

const maxResponseBytes = 8 << 20

// HTTPConfig is the transport configuration shared by both clients
type HTTPConfig struct {
	BaseURL      string        `toml:"base_url"`
	Timeout      time.Duration `toml:"timeout"`
	RetryMax     int           `toml:"retry_max"`
	RetryWaitMin time.Duration `toml:"retry_wait_min"`
	RetryWaitMax time.Duration `toml:"retry_wait_max"`

	// Resource path per entity type; defaults to the plural of the type
	EntityPaths map[string]string `toml:"entity_paths"`
}

// DefaultHTTPConfig returns transport defaults
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:      30 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

func (c HTTPConfig) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base_url %q", c.BaseURL)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("retry_max must not be negative, got %d", c.RetryMax)
	}
	return nil
}

func (c HTTPConfig) entityPath(entityType string) string {
	if p, ok := c.EntityPaths[entityType]; ok && p != "" {
		return strings.Trim(p, "/")
	}
	return entityType + "s"
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	header http.Header

	// classify turns a response into the error the breaker should see
	classify func(*response) error
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// transport issues JSON requests through a retrying HTTP client guarded by
// the system's circuit breaker
type transport struct {
	system  string
	base    string
	client  *retryablehttp.Client
	breaker *breaker.Breaker
	logger  *slog.Logger
}

func newTransport(system string, config HTTPConfig, brk *breaker.Breaker, logger *slog.Logger) (*transport, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("%s client: %w", system, err)
	}
	if brk == nil {
		return nil, fmt.Errorf("%s client: breaker is required", system)
	}

	client := retryablehttp.NewClient()
	client.Logger = logger
	client.RetryMax = config.RetryMax
	if config.RetryWaitMin > 0 {
		client.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		client.RetryWaitMax = config.RetryWaitMax
	}
	if config.Timeout > 0 {
		client.HTTPClient.Timeout = config.Timeout
	}
	// Keep the last response so status codes can be classified
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &transport{
		system:  system,
		base:    strings.TrimRight(config.BaseURL, "/"),
		client:  client,
		breaker: brk,
		logger:  logger,
	}, nil
}

// call performs r inside the breaker. The response is returned alongside
// classification errors so callers can inspect the body.
func (t *transport) call(ctx context.Context, r request) (*response, error) {
	classify := r.classify
	if classify == nil {
		classify = t.classify
	}

	var resp *response
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = t.roundTrip(ctx, r)
		if err != nil {
			return err
		}
		return classify(resp)
	})
	return resp, err
}

func (t *transport) roundTrip(ctx context.Context, r request) (*response, error) {
	target := t.base + "/" + strings.TrimLeft(r.path, "/")
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", t.system, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", t.system, err)
	}

	t.logger.Debug("external call",
		"method", r.method,
		"path", r.path,
		"status", httpResp.StatusCode,
		"duration", time.Since(start))

	return &response{status: httpResp.StatusCode, header: httpResp.Header, body: raw}, nil
}

// classify maps HTTP statuses onto the error taxonomy. Not-found and
// business rejections come from a healthy system and are marked permanent.
func (t *transport) classify(resp *response) error {
	switch s := resp.status; {
	case s >= 200 && s < 300:
		return nil
	case s == http.StatusNotFound:
		return breaker.Permanent(ErrNotFound)
	case s == http.StatusUnauthorized, s == http.StatusForbidden,
		s == http.StatusRequestTimeout, s == http.StatusTooManyRequests:
		return &StatusError{System: t.system, Status: s, Body: responseMessage(resp.body)}
	case s >= 400 && s < 500:
		return breaker.Permanent(&RejectedError{System: t.system, Status: s, Message: responseMessage(resp.body)})
	default:
		return &StatusError{System: t.system, Status: s, Body: responseMessage(resp.body)}
	}
}
