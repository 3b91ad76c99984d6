// Package backend builds the storage and messaging collaborators selected by
// configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"debts/internal/amqp"
	"debts/internal/storage"
	"debts/internal/storage/memory"
	"debts/internal/storage/postgres"
	"debts/internal/storage/sqlite"
)

// BackendType represents the type of storage backend
type BackendType string

const (
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
	MemoryBackend   BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, PostgresBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// Result carries the store and the function releasing it.
type Result struct {
	Store   storage.Store
	Cleanup CleanupFunc
}

// Factory creates stores based on configuration
type Factory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{logger: logger}
}

// CreateStore opens the configured store. SQL backends are migrated before
// they are returned.
func (f *Factory) CreateStore(ctx context.Context, config Config) (*Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SQLiteBackend:
		repo, err := sqlite.NewRepository(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
		return &Result{Store: repo, Cleanup: repo.Close}, nil

	case PostgresBackend:
		repo, err := postgres.NewRepository(ctx, config.DatabaseURL, postgres.PoolConfig{
			MaxConns:        int32(config.PGMaxConns),
			MaxConnIdleTime: 5 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres repository: %w", err)
		}
		f.logger.Info("Initialized Postgres backend", "max_conns", config.PGMaxConns)
		return &Result{Store: repo, Cleanup: repo.Close}, nil

	case MemoryBackend:
		f.logger.Warn("Initialized memory backend, data is lost on exit")
		return &Result{Store: memory.New(), Cleanup: func() error { return nil }}, nil

	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// CreateAMQPClient connects to the broker when one is configured. A nil
// client with a nil error means messaging is disabled.
func (f *Factory) CreateAMQPClient(config Config) (*amqp.Client, error) {
	if config.AMQPURL == "" {
		f.logger.Info("AMQP not configured, events and reminders disabled")
		return nil, nil
	}
	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, config.AMQPReminderQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AMQP client: %w", err)
	}
	f.logger.Info("Initialized AMQP client",
		"exchange", config.AMQPExchange,
		"event_queue", config.AMQPQueue,
		"reminder_queue", config.AMQPReminderQueue)
	return client, nil
}
