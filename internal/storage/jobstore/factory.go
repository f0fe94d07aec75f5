package jobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"

	"github.com/catherinevee/remediator/internal/shared/config"
)

// Options carries dependencies that some backends need.
type Options struct {
	// DynamoDB is required for the dynamodb backend.
	DynamoDB DynamoDBAPI
	Clock    Clock
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreSettings, opts Options) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(opts.Clock), nil

	case "sqlite":
		path := config.ExpandPath(cfg.Path)
		if path == "" {
			return nil, fmt.Errorf("store.path is required for the sqlite backend")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		return OpenSQL(ctx, "sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL", cfg.Table, opts.Clock)

	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for the postgres backend")
		}
		return OpenSQL(ctx, "postgres", cfg.DSN, cfg.Table, opts.Clock)

	case "dynamodb":
		if opts.DynamoDB == nil {
			return nil, fmt.Errorf("dynamodb backend selected but no client configured")
		}
		return NewDynamoDBStore(opts.DynamoDB, cfg.Table, opts.Clock), nil

	case "redis":
		if cfg.Addr == "" {
			return nil, fmt.Errorf("store.addr is required for the redis backend")
		}
		return OpenRedis(ctx, &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}, cfg.KeyPrefix, opts.Clock)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
