// Package fal implements the provider adapter for the fal.ai queue API.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/providers"
	"github.com/pixelmint/genroute/internal/types"
)

// Config holds fal-specific configuration.
type Config struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	CostPerImage float64       `yaml:"cost_per_image"`
	// Templates limits which template (or template/style) pairs this
	// provider accepts. Empty means all.
	Templates []string `yaml:"templates"`
}

// Provider submits generations to the fal queue endpoint.
type Provider struct {
	config *Config
	client *http.Client
	logger *logrus.Logger
}

func New(config *Config, logger *logrus.Logger) *Provider {
	if config.BaseURL == "" {
		config.BaseURL = "https://queue.fal.run"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Provider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

func (p *Provider) Name() string { return "fal" }

func (p *Provider) CostPerImage() float64 { return p.config.CostPerImage }

func (p *Provider) Supports(template, style string) bool {
	return providers.SupportsPair(p.config.Templates, template, style)
}

type submitRequest struct {
	Prompt    string `json:"prompt"`
	ImageSize string `json:"image_size,omitempty"`
	NumSteps  int    `json:"num_inference_steps,omitempty"`
	NumImages int    `json:"num_images,omitempty"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

func (p *Provider) Generate(ctx context.Context, req *types.GenerationRequest) (*types.JobRef, error) {
	if !p.Supports(req.Template, req.Style) {
		return nil, &providers.UnsupportedError{Provider: p.Name(), Template: req.Template, Style: req.Style}
	}

	body, err := json.Marshal(submitRequest{
		Prompt:    req.Prompt,
		ImageSize: imageSize(req.Width, req.Height),
		NumSteps:  req.Steps,
		NumImages: req.Count,
	})
	if err != nil {
		return nil, fmt.Errorf("encode fal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s", p.config.BaseURL, p.config.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build fal request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Key "+p.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &providers.TransientError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, &providers.TransientError{Provider: p.Name(), Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &providers.UnsupportedError{Provider: p.Name(), Template: req.Template, Style: req.Style}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("fal rejected request: status %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode fal response: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"provider":   p.Name(),
		"request_id": out.RequestID,
	}).Debug("Generation submitted")

	return &types.JobRef{ID: out.RequestID, Provider: p.Name()}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (bool, int64, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/health", nil)
	if err != nil {
		return false, 0, err
	}
	httpReq.Header.Set("Authorization", "Key "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return false, latency, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, latency, fmt.Errorf("health status %d", resp.StatusCode)
	}
	return true, latency, nil
}

func imageSize(width, height int) string {
	if width == 0 || height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", width, height)
}
