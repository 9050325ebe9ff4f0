// Package registration announces an edge device to the management plane.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Path is the registration endpoint relative to the management URI.
const Path = "/api/v1/tenants/devices/register"

const (
	// DefaultRetryDelay is the pause between registration attempts.
	DefaultRetryDelay = 10 * time.Second

	defaultRequestTimeout = 10 * time.Second
	maxResponseSize       = 64 << 10
)

// Request is the registration payload.
type Request struct {
	DeviceIdentifier string   `json:"device_identifier"`
	TenantIdentifier string   `json:"tenant_identifier"`
	Description      string   `json:"description"`
	Timezone         string   `json:"timezone"`
	Longitude        *float64 `json:"long"`
	Latitude         *float64 `json:"lat"`
	Country          string   `json:"country"`
}

// Response is the management plane acknowledgement.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Logger is the logging interface used by the client.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Client registers the device over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
	retryDelay time.Duration
	logger     Logger
}

// New creates a Client for the management plane at baseURI
// (for example "http://devicemgmt:8000").
func New(baseURI string, retryDelay time.Duration) *Client {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Client{
		url:        strings.TrimRight(baseURI, "/") + Path,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		retryDelay: retryDelay,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger.
func (c *Client) SetLogger(l Logger) {
	if l != nil {
		c.logger = l
	}
}

// Register posts req until the management plane accepts it. A device
// that already exists counts as registered. It gives up only when ctx
// ends.
func (c *Client) Register(ctx context.Context, req Request) (Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := c.post(ctx, req)
		if err == nil {
			c.logger.Info("device registered", "device", req.DeviceIdentifier, "message", resp.Message)
			return resp, nil
		}
		c.logger.Warn("device registration failed, retrying",
			"attempt", attempt,
			"retry_in", c.retryDelay,
			"error", err,
		)

		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

func (c *Client) post(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding registration: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("building registration request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("posting registration: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return Response{}, fmt.Errorf("reading registration response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return Response{}, fmt.Errorf("registration rejected: %s: %s", httpResp.Status, strings.TrimSpace(string(data)))
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decoding registration response: %w", err)
	}
	return resp, nil
}
