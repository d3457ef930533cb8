package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/zoptal/abkit/internal/config"
	"github.com/zoptal/abkit/internal/store"
)

// openStore opens the configured persistence backend.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite", "":
		return store.NewSQLite(cfg.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns, cfg.MinConns)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Driver)
	}
}
