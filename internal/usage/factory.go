package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gotts/config"
	"gotts/internal/storage"
)

// Result holds the initialized usage logger, its reader and dependencies.
// The caller is responsible for calling Close() to release resources.
type Result struct {
	Logger LoggerInterface

	// Reader is nil when usage tracking is disabled.
	Reader UsageReader

	// Storage is nil when disabled or when the connection is shared.
	Storage storage.Storage
}

// Close releases all resources held by the usage logger.
// Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Logger != nil {
		if err := r.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates a usage logger from configuration, opening its own storage.
// If usage tracking is disabled, returns a NoopLogger with nil storage.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if !cfg.Usage.Enabled {
		return &Result{Logger: NoopLogger{}}, nil
	}

	store, err := storage.New(ctx, buildStorageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	result, err := NewWithSharedStorage(ctx, cfg, store)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	result.Storage = store
	return result, nil
}

// NewWithSharedStorage creates a usage logger on an existing connection.
// The caller is responsible for closing the storage separately.
func NewWithSharedStorage(_ context.Context, cfg *config.Config, store storage.Storage) (*Result, error) {
	if !cfg.Usage.Enabled {
		return &Result{Logger: NoopLogger{}}, nil
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required when usage tracking is enabled")
	}

	usageStore, err := createUsageStore(store, cfg.Usage.RetentionDays)
	if err != nil {
		return nil, err
	}
	reader, err := createReader(store)
	if err != nil {
		return nil, errors.Join(err, usageStore.Close())
	}

	return &Result{
		Logger: NewLogger(usageStore, buildLoggerConfig(cfg.Usage)),
		Reader: reader,
	}, nil
}

// buildStorageConfig creates a storage.Config from the application config.
func buildStorageConfig(cfg *config.Config) storage.Config {
	storageCfg := storage.DefaultConfig()
	if cfg.Storage.Type != "" {
		storageCfg.Type = cfg.Storage.Type
	}
	if cfg.Storage.SQLite.Path != "" {
		storageCfg.SQLite.Path = cfg.Storage.SQLite.Path
	}
	storageCfg.PostgreSQL.URL = cfg.Storage.PostgreSQL.URL
	if cfg.Storage.PostgreSQL.MaxConns > 0 {
		storageCfg.PostgreSQL.MaxConns = cfg.Storage.PostgreSQL.MaxConns
	}
	storageCfg.MongoDB.URL = cfg.Storage.MongoDB.URL
	if cfg.Storage.MongoDB.Database != "" {
		storageCfg.MongoDB.Database = cfg.Storage.MongoDB.Database
	}
	return storageCfg
}

// createUsageStore creates the UsageStore for the given storage backend.
func createUsageStore(store storage.Storage, retentionDays int) (UsageStore, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(store.PostgreSQLPool(), retentionDays)
	case storage.TypeMongoDB:
		return NewMongoDBStore(store.MongoDatabase(), retentionDays)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

// createReader creates the UsageReader for the given storage backend.
func createReader(store storage.Storage) (UsageReader, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteReader(store.SQLiteDB())
	case storage.TypePostgreSQL:
		return NewPostgreSQLReader(store.PostgreSQLPool())
	case storage.TypeMongoDB:
		return NewMongoDBReader(store.MongoDatabase())
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

// buildLoggerConfig creates a usage.Config from config.UsageConfig.
func buildLoggerConfig(usageCfg config.UsageConfig) Config {
	defaults := DefaultConfig()
	cfg := Config{
		Enabled:       usageCfg.Enabled,
		BufferSize:    usageCfg.BufferSize,
		FlushInterval: time.Duration(usageCfg.FlushInterval) * time.Second,
		RetentionDays: usageCfg.RetentionDays,
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	return cfg
}
