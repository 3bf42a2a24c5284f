package kv

import (
	"context"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Driver identifiers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

type Config struct {
	Driver     string
	SQLitePath string
	Redis      RedisConfig
}

// New creates a store for cfg.Driver, defaulting to memory.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite driver requires a database path")
		}
		db, err := gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("could not open sqlite database: %w", err)
		}
		return NewSQLite(db)
	case DriverRedis:
		return NewRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported kv driver: %s", cfg.Driver)
	}
}
