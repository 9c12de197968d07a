// Package runware implements the provider adapter for the Runware image API.
package runware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/providers"
	"github.com/pixelmint/genroute/internal/types"
)

// Config holds Runware-specific configuration.
type Config struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	CostPerImage float64       `yaml:"cost_per_image"`
	Templates    []string      `yaml:"templates"`
}

// Provider submits generations to the Runware task API. Runware batches
// tasks in a JSON array and requires a caller-supplied task UUID, which we
// reuse as the job reference.
type Provider struct {
	config *Config
	client *http.Client
	logger *logrus.Logger
}

func New(config *Config, logger *logrus.Logger) *Provider {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.runware.ai/v1"
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

func (p *Provider) Name() string { return "runware" }

func (p *Provider) CostPerImage() float64 { return p.config.CostPerImage }

func (p *Provider) Supports(template, style string) bool {
	return providers.SupportsPair(p.config.Templates, template, style)
}

type task struct {
	TaskType       string `json:"taskType"`
	TaskUUID       string `json:"taskUUID"`
	PositivePrompt string `json:"positivePrompt"`
	Model          string `json:"model"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Steps          int    `json:"steps,omitempty"`
	NumberResults  int    `json:"numberResults,omitempty"`
}

type taskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type taskResponse struct {
	Data   []map[string]any `json:"data"`
	Errors []taskError      `json:"errors"`
}

func (p *Provider) Generate(ctx context.Context, req *types.GenerationRequest) (*types.JobRef, error) {
	if !p.Supports(req.Template, req.Style) {
		return nil, &providers.UnsupportedError{Provider: p.Name(), Template: req.Template, Style: req.Style}
	}

	taskID := uuid.NewString()
	body, err := json.Marshal([]task{{
		TaskType:       "imageInference",
		TaskUUID:       taskID,
		PositivePrompt: req.Prompt,
		Model:          p.config.Model,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		NumberResults:  req.Count,
	}})
	if err != nil {
		return nil, fmt.Errorf("encode runware request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build runware request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &providers.TransientError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &providers.TransientError{Provider: p.Name(), Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("runware rejected request: status %d", resp.StatusCode)
	}

	var out taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode runware response: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("runware task error: %s (%s)", out.Errors[0].Message, out.Errors[0].Code)
	}

	p.logger.WithFields(logrus.Fields{
		"provider":  p.Name(),
		"task_uuid": taskID,
	}).Debug("Generation submitted")

	return &types.JobRef{ID: taskID, Provider: p.Name()}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (bool, int64, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/health", nil)
	if err != nil {
		return false, 0, err
	}
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
