// Package db persists the strategy session and its audit trail. Three
// drivers are supported: postgres for shared deployments, sqlite for
// single-host setups, and memory for sim runs and tests.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/amirphl/sweep-trader/internal/config"
	"github.com/amirphl/sweep-trader/internal/journal"
	"github.com/amirphl/sweep-trader/internal/strategy"
)

// Storage is the full persistence surface: the strategy's write path plus
// the read side the control server exposes.
type Storage interface {
	strategy.Storage

	// RecentEvents returns up to limit journal events, newest first. A
	// non-positive limit falls back to 100.
	RecentEvents(ctx context.Context, limit int) ([]journal.Event, error)

	GetDB() *sql.DB
	Close() error
}

// Open builds the storage backend named by the config.
func Open(cfg config.DBConfig) (Storage, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg)
	case "sqlite":
		return NewSQLite(cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
}
