package main

import (
	"context"
	"fmt"
	"io"

	"github.com/soaringjerry/Renova/internal/config"
	dbstore "github.com/soaringjerry/Renova/internal/db"
	"github.com/soaringjerry/Renova/internal/services"
)

// openStore opens the configured driver and applies its migrations. The
// returned closer releases the underlying connections.
func openStore(ctx context.Context, cfg config.StoreConfig) (services.KV, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return dbstore.NewMemoryStore(), nopCloser{}, nil
	case config.DriverSQLite:
		s, err := dbstore.OpenSQLite(ctx, cfg.SQLitePath, cfg.MigrationsDir)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.DriverPostgres:
		s, err := dbstore.OpenPostgres(ctx, cfg.PostgresDSN, cfg.MigrationsDir)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
