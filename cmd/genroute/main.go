package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelmint/genroute/internal/config"
	"github.com/pixelmint/genroute/internal/configstore"
	"github.com/pixelmint/genroute/internal/degrade"
	"github.com/pixelmint/genroute/internal/eventlog"
	"github.com/pixelmint/genroute/internal/idempotency"
	"github.com/pixelmint/genroute/internal/metrics"
	"github.com/pixelmint/genroute/internal/middleware"
	"github.com/pixelmint/genroute/internal/payments"
	"github.com/pixelmint/genroute/internal/providers/fal"
	"github.com/pixelmint/genroute/internal/providers/runware"
	"github.com/pixelmint/genroute/internal/providers/simulator"
	"github.com/pixelmint/genroute/internal/quality"
	"github.com/pixelmint/genroute/internal/routing"
	"github.com/pixelmint/genroute/internal/security"
	"github.com/pixelmint/genroute/internal/server"
	"github.com/pixelmint/genroute/internal/types"
)

// Application wires the routing control plane together.
type Application struct {
	config     *config.Config
	router     *routing.Router
	controller *degrade.Controller
	notifier   *degrade.IncidentNotifier
	server     *server.Server
	events     *eventlog.BestEffort
	logger     *logrus.Logger
}

// NewApplication builds every component from configuration.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	eventLog, idemStore, configKV, orderStore, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	accessor := configstore.NewAccessor(configKV, logger)
	if err := accessor.Seed(context.Background(), cfg.InitialRoutingConfig()); err != nil {
		return nil, fmt.Errorf("failed to seed routing config: %w", err)
	}

	// Routing outcomes are recorded best effort off the request path. Audit
	// events from operator commands and payments write through directly so
	// their failures surface to the caller.
	routeEvents := eventlog.NewBestEffort(eventLog, 0, logger)

	router := routing.NewRouter(accessor, routeEvents, logger)
	router.SetHealthCheckInterval(cfg.Routing.HealthCheckInterval)
	if err := registerProviders(router, cfg, logger); err != nil {
		return nil, err
	}

	aggregator := metrics.NewAggregator(eventLog, logger)
	controller := degrade.NewController(accessor, aggregator, eventLog, degrade.Config{
		Thresholds:        cfg.Degrade.Thresholds,
		TacticalWindow:    cfg.Degrade.TacticalWindow,
		PreferredProvider: types.ProviderID(cfg.Degrade.PreferredProvider),
		NormalWeights:     cfg.InitialRoutingConfig().Weights,
	}, logger)
	notifier := degrade.NewIncidentNotifier(controller, &degrade.LogPager{Logger: logger}, cfg.Degrade.IncidentWindow, logger)

	captureClient := payments.NewHTTPCaptureClient(&cfg.Payments.Upstream)
	captureService := payments.NewCaptureService(captureClient, orderStore, idemStore, eventLog, cfg.Payments.Capture, logger)
	reconciler := payments.NewReconciler(idemStore, orderStore, eventLog, cfg.Payments.WebhookSecret, cfg.Payments.WebhookLease, logger)

	evaluator := quality.NewEvaluator(cfg.Quality, quality.NewMemoryVoucherStore(), eventLog, logger)

	auth := security.NewAuthenticator(&cfg.Security, logger)
	validation, err := middleware.NewValidation(&cfg.Validation, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup request validation: %w", err)
	}

	serverInstance := server.NewServer(router, controller, aggregator, reconciler, captureService, evaluator, accessor, auth, validation, &cfg.Server, logger)

	return &Application{
		config:     cfg,
		router:     router,
		controller: controller,
		notifier:   notifier,
		server:     serverInstance,
		events:     routeEvents,
		logger:     logger,
	}, nil
}

// Run starts the background loops and the HTTP server, then blocks until a
// shutdown signal or a server error.
func (app *Application) Run() error {
	app.logger.Info("Starting generation routing control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go app.controller.Run(ctx, app.config.Degrade.CheckInterval)
	go app.notifier.Run(ctx, app.config.Degrade.CheckInterval)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	app.events.Close()

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// openStores builds the event log, idempotency ledger, config KV, and order
// store for the configured storage driver.
func openStores(cfg *config.Config) (eventlog.Log, idempotency.Store, configstore.Store, payments.OrderStore, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		eventLog, err := eventlog.OpenSQLite(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open event log: %w", err)
		}
		idemStore, err := idempotency.OpenSQLite(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open idempotency store: %w", err)
		}
		configKV, err := configstore.OpenSQLite(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open config store: %w", err)
		}
		orderStore, err := payments.OpenSQLiteOrderStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open order store: %w", err)
		}
		return eventLog, idemStore, configKV, orderStore, nil
	default:
		return eventlog.NewMemoryLog(), idempotency.NewMemoryStore(), configstore.NewMemoryStore(), payments.NewMemoryOrderStore(), nil
	}
}

// setupLogger configures the logger based on configuration.
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}
	return nil
}

// registerProviders registers every configured adapter. The simulator is
// always present: it is the routing fallback of last resort.
func registerProviders(router *routing.Router, cfg *config.Config, logger *logrus.Logger) error {
	if cfg.Providers.Fal != nil && cfg.Providers.Fal.APIKey != "" {
		router.RegisterProvider(fal.New(cfg.Providers.Fal, logger))
	}
	if cfg.Providers.Runware != nil && cfg.Providers.Runware.APIKey != "" {
		router.RegisterProvider(runware.New(cfg.Providers.Runware, logger))
	}
	if cfg.Providers.Simulator == nil {
		return fmt.Errorf("simulator provider must be configured")
	}
	router.RegisterProvider(simulator.New(cfg.Providers.Simulator, logger))
	logger.WithField("providers", router.ListProviders()).Info("Provider registration completed")
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  FAL_API_KEY               fal.ai API key\n")
	fmt.Fprintf(os.Stderr, "  RUNWARE_API_KEY           Runware API key\n")
	fmt.Fprintf(os.Stderr, "  GENROUTE_PORT             Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  GENROUTE_WEBHOOK_SECRET   Payment webhook HMAC secret\n")
	fmt.Fprintf(os.Stderr, "  GENROUTE_PAYMENT_API_KEY  Upstream payment API key\n")
	fmt.Fprintf(os.Stderr, "  GENROUTE_OPERATOR_TOKEN   Operator API token\n")
	fmt.Fprintf(os.Stderr, "  GENROUTE_JWT_SECRET       Operator JWT signing secret\n")
	fmt.Fprintf(os.Stderr, "  GENROUTE_SQLITE_DSN       SQLite DSN (enables durable storage)\n")
	fmt.Fprintf(os.Stderr, "  GENROUTE_LOG_LEVEL        Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  GENROUTE_LOG_FORMAT       Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *version {
		fmt.Printf("genroute v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
