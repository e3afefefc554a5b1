package storage

import (
	"fmt"

	"github.com/itsneelabh/rumagent/core"
)

// New builds the backend named by cfg.Provider.
func New(cfg core.StorageConfig, logger core.Logger) (core.Storage, error) {
	logger = core.ComponentLogger(logger, "rumagent/storage")

	switch cfg.Provider {
	case "", "memory":
		s := NewMemoryStore()
		s.SetLogger(logger)
		return s, nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path, logger)
	case "redis":
		return NewRedisStore(RedisStoreOptions{
			RedisURL:  cfg.RedisURL,
			Namespace: cfg.Namespace,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q: %w", cfg.Provider, core.ErrInvalidConfiguration)
	}
}
