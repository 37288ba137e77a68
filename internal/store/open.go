package store

import (
	"context"
	"fmt"

	"vidpipe/internal/config"
)

// Open constructs the JobStore backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (JobStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return OpenPostgres(cfg.DSN)
	case "mongo":
		return OpenMongo(ctx, cfg.DSN, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
