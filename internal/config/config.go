// Package config loads the application configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pixelmint/genroute/internal/metrics"
	"github.com/pixelmint/genroute/internal/middleware"
	"github.com/pixelmint/genroute/internal/payments"
	"github.com/pixelmint/genroute/internal/providers/fal"
	"github.com/pixelmint/genroute/internal/providers/runware"
	"github.com/pixelmint/genroute/internal/providers/simulator"
	"github.com/pixelmint/genroute/internal/quality"
	"github.com/pixelmint/genroute/internal/security"
	"github.com/pixelmint/genroute/internal/server"
	"github.com/pixelmint/genroute/internal/types"
)

// Config is the complete application configuration.
type Config struct {
	Server     server.Config               `yaml:"server"`
	Routing    RoutingConfig               `yaml:"routing"`
	Providers  ProvidersConfig             `yaml:"providers"`
	Degrade    DegradeConfig               `yaml:"degrade"`
	Payments   PaymentsConfig              `yaml:"payments"`
	Quality    quality.Config              `yaml:"quality"`
	Storage    StorageConfig               `yaml:"storage"`
	Logging    LoggingConfig               `yaml:"logging"`
	Security   security.Config             `yaml:"security"`
	Validation middleware.ValidationConfig `yaml:"validation"`
}

// RoutingConfig holds the initial routing record and router tuning.
type RoutingConfig struct {
	Weights             map[string]float64 `yaml:"weights"`
	Primary             string             `yaml:"primary"`
	Timeout             time.Duration      `yaml:"timeout"`
	MaxRetries          int                `yaml:"max_retries"`
	FailoverEnabled     bool               `yaml:"failover_enabled"`
	HealthCheckInterval time.Duration      `yaml:"health_check_interval"`
}

// ProvidersConfig holds per-provider adapter configuration. A nil entry
// disables that provider.
type ProvidersConfig struct {
	Fal       *fal.Config       `yaml:"fal"`
	Runware   *runware.Config   `yaml:"runware"`
	Simulator *simulator.Config `yaml:"simulator"`
}

// DegradeConfig tunes the degradation controller and incident notifier.
type DegradeConfig struct {
	Thresholds        metrics.Thresholds `yaml:"thresholds"`
	TacticalWindow    time.Duration      `yaml:"tactical_window"`
	IncidentWindow    time.Duration      `yaml:"incident_window"`
	CheckInterval     time.Duration      `yaml:"check_interval"`
	PreferredProvider string             `yaml:"preferred_provider"`
}

// PaymentsConfig tunes capture and webhook handling.
type PaymentsConfig struct {
	Upstream      payments.ClientConfig  `yaml:"upstream"`
	WebhookSecret string                 `yaml:"webhook_secret"`
	WebhookLease  time.Duration          `yaml:"webhook_lease"`
	Capture       payments.CaptureConfig `yaml:"capture"`
}

// StorageConfig selects the backing stores.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) setDefaults() {
	c.Server = server.Config{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	c.Routing = RoutingConfig{
		Weights:             map[string]float64{"fal": 0.7, "runware": 0.3},
		Primary:             "fal",
		Timeout:             8 * time.Second,
		MaxRetries:          1,
		FailoverEnabled:     true,
		HealthCheckInterval: 30 * time.Second,
	}
	c.Providers = ProvidersConfig{
		Simulator: &simulator.Config{
			Latency:      50 * time.Millisecond,
			CostPerImage: 0.001,
		},
	}
	c.Degrade = DegradeConfig{
		Thresholds:        metrics.DefaultThresholds(),
		TacticalWindow:    5 * time.Minute,
		IncidentWindow:    30 * time.Minute,
		CheckInterval:     time.Minute,
		PreferredProvider: "fal",
	}
	c.Payments = PaymentsConfig{
		Upstream:     payments.ClientConfig{Timeout: 15 * time.Second},
		WebhookLease: 5 * time.Minute,
		Capture: payments.CaptureConfig{
			MaxRetries:     2,
			BaseBackoff:    time.Second,
			AttemptTimeout: 10 * time.Second,
		},
	}
	c.Storage = StorageConfig{Driver: "memory"}
	c.Logging = LoggingConfig{Level: "info", Format: "json", Output: "stdout"}
	c.Validation = middleware.ValidationConfig{SpecPath: "docs/openapi.yaml"}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("GENROUTE_PORT"); port != "" {
		c.Server.Port = port
	}
	if key := os.Getenv("FAL_API_KEY"); key != "" && c.Providers.Fal != nil {
		c.Providers.Fal.APIKey = key
	}
	if key := os.Getenv("RUNWARE_API_KEY"); key != "" && c.Providers.Runware != nil {
		c.Providers.Runware.APIKey = key
	}
	if secret := os.Getenv("GENROUTE_WEBHOOK_SECRET"); secret != "" {
		c.Payments.WebhookSecret = secret
	}
	if key := os.Getenv("GENROUTE_PAYMENT_API_KEY"); key != "" {
		c.Payments.Upstream.APIKey = key
	}
	if secret := os.Getenv("GENROUTE_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}
	if token := os.Getenv("GENROUTE_OPERATOR_TOKEN"); token != "" {
		c.Security.OperatorTokens = append(c.Security.OperatorTokens, token)
	}
	if level := os.Getenv("GENROUTE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("GENROUTE_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if dsn := os.Getenv("GENROUTE_SQLITE_DSN"); dsn != "" {
		c.Storage.Driver = "sqlite"
		c.Storage.DSN = dsn
	}
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("sqlite storage requires a dsn")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	if len(c.Routing.Weights) == 0 {
		return fmt.Errorf("routing weights cannot be empty")
	}
	var sum float64
	for name, w := range c.Routing.Weights {
		if w < 0 {
			return fmt.Errorf("routing weight for %s is negative", name)
		}
		sum += w
	}
	if sum == 0 {
		return fmt.Errorf("routing weights sum to zero")
	}

	if c.Providers.Fal != nil && c.Providers.Fal.APIKey == "" {
		return fmt.Errorf("fal API key is required when fal provider is enabled")
	}
	if c.Providers.Runware != nil && c.Providers.Runware.APIKey == "" {
		return fmt.Errorf("runware API key is required when runware provider is enabled")
	}
	if c.Providers.Simulator == nil {
		return fmt.Errorf("simulator provider must be configured: it is the routing fallback")
	}

	if c.Degrade.PreferredProvider == "" {
		return fmt.Errorf("degrade preferred provider cannot be empty")
	}
	if len(c.Security.OperatorTokens) == 0 && c.Security.JWTSecret == "" {
		return fmt.Errorf("at least one operator token or a JWT secret must be configured")
	}
	if c.Payments.WebhookSecret == "" {
		return fmt.Errorf("payments webhook secret cannot be empty")
	}
	return nil
}

// InitialRoutingConfig builds the routing record seeded into the config
// store on first boot.
func (c *Config) InitialRoutingConfig() *types.RoutingConfig {
	weights := make(map[types.ProviderID]float64, len(c.Routing.Weights))
	for name, w := range c.Routing.Weights {
		weights[types.ProviderID(name)] = w
	}
	return &types.RoutingConfig{
		Weights:         weights,
		Primary:         types.ProviderID(c.Routing.Primary),
		Timeout:         c.Routing.Timeout,
		MaxRetries:      c.Routing.MaxRetries,
		FailoverEnabled: c.Routing.FailoverEnabled,
	}
}
