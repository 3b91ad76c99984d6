// Package cli provides common CLI initialization utilities shared by
// cmd/debts, cmd/recurring-worker and cmd/reminder-worker.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"debts/internal/amqp"
	"debts/internal/backend"
	"debts/internal/config"
	applog "debts/internal/log"
	"debts/internal/metrics"
	"debts/internal/services"
)

// SetupLogger initializes structured logging from LOG_LEVEL and LOG_FORMAT
// and sets it as the default logger.
func SetupLogger(component string) *slog.Logger {
	logger, err := applog.New(applog.Config{
		Level:     applog.ParseLevel(os.Getenv("LOG_LEVEL")),
		Format:    os.Getenv("LOG_FORMAT"),
		Component: component,
		Writer:    os.Stdout,
	})
	if err != nil {
		logger, _ = applog.New(applog.DefaultConfig())
		logger.Warn("Falling back to text logging", "error", err)
	}
	applog.SetDefault(logger)
	return logger.With(applog.FieldComponent, component).Logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration from the environment, layered
// over CONFIG_FILE when set, and validates it. It exits the process on
// failure.
func LoadAndValidateConfig(logger *slog.Logger) *config.Config {
	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			logger.Error("Failed to read config file", "error", err, "path", path)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// Deps are the collaborators every binary wires from configuration.
type Deps struct {
	Result  *backend.Result
	AMQP    *amqp.Client
	Metrics *metrics.Metrics
	Options services.Options
}

// Close releases the broker connection and the store.
func (d *Deps) Close(logger *slog.Logger) {
	if d.AMQP != nil {
		if err := d.AMQP.Close(); err != nil {
			logger.Warn("Failed to close AMQP client", "error", err)
		}
	}
	if d.Result != nil && d.Result.Cleanup != nil {
		if err := d.Result.Cleanup(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}
}

// InitDeps opens the store, the optional AMQP client and the metrics
// registry. It exits the process when the store cannot be opened. A broker
// that cannot be reached is logged and skipped when requireAMQP is false.
func InitDeps(ctx context.Context, logger *slog.Logger, cfg *config.Config, requireAMQP bool) *Deps {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}

	factory := backend.NewFactory(logger)
	result, err := factory.CreateStore(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize store", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	deps := &Deps{Result: result, Metrics: metrics.New()}

	client, err := factory.CreateAMQPClient(bcfg)
	switch {
	case err != nil && requireAMQP:
		logger.Error("AMQP is required", "error", err)
		deps.Close(logger)
		os.Exit(1)
	case err != nil:
		logger.Warn("Failed to initialize AMQP client, continuing without events", "error", err)
	case client == nil && requireAMQP:
		logger.Error("AMQP_URL is required")
		deps.Close(logger)
		os.Exit(1)
	}
	deps.AMQP = client

	deps.Options = services.Options{
		Metrics:         deps.Metrics,
		ConflictRetries: cfg.ConflictRetries,
	}
	if client != nil {
		deps.Options.Events = client
	}
	return deps
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *slog.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup()
			}
			close(finished)
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-time.After(timeout):
			logger.Warn("Shutdown timeout reached")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
