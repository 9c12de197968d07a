package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ClientConfig holds the upstream payment API settings.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPCaptureClient talks to the upstream payment API. The idempotency key is
// forwarded in the Idempotency-Key header so the upstream dedupes on its side
// as well.
type HTTPCaptureClient struct {
	config *ClientConfig
	client *http.Client
}

func NewHTTPCaptureClient(config *ClientConfig) *HTTPCaptureClient {
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	return &HTTPCaptureClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type captureRequest struct {
	OrderID string `json:"order_id"`
}

type captureResponse struct {
	CaptureID string `json:"capture_id"`
	Status    string `json:"status"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}

func (c *HTTPCaptureClient) Capture(ctx context.Context, orderID, idempotencyKey string) (string, error) {
	body, err := json.Marshal(captureRequest{OrderID: orderID})
	if err != nil {
		return "", fmt.Errorf("encode capture request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/captures", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build capture request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("capture request: %w", err)
	}
	defer resp.Body.Close()

	var out captureResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && resp.StatusCode < 300 {
		return "", fmt.Errorf("decode capture response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("capture upstream status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", &CaptureRejectedError{Code: out.Code, Reason: out.Reason}
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("capture upstream status %d", resp.StatusCode)
	}
	return out.CaptureID, nil
}
