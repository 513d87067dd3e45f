package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/raphaelgruber/ocrbatch/internal/config"
	"github.com/raphaelgruber/ocrbatch/internal/db"
	"github.com/raphaelgruber/ocrbatch/internal/sqlstore"
)

// openStore connects to the configured checkpoint backend and prepares its schema.
func openStore(ctx context.Context, c config.Config, logger *slog.Logger) (checkpoint.Store, error) {
	switch c.Store.Backend {
	case config.BackendSQLite:
		s, err := sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: c.Store.SQLitePath}, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite checkpoint: %w", err)
		}
		return s, nil

	case config.BackendPostgres:
		s, err := sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverPostgres, DSN: c.Store.PostgresDSN}, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres checkpoint: %w", err)
		}
		return s, nil

	case config.BackendSurrealDB:
		sc := c.Store.SurrealDB
		s, err := db.NewStore(ctx, db.Config{
			URL:       sc.URL,
			Namespace: sc.Namespace,
			Database:  sc.Database,
			Username:  sc.User,
			Password:  sc.Pass,
			AuthLevel: sc.AuthLevel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := s.InitSchema(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
		return s, nil

	case config.BackendMemory:
		logger.Warn("memory checkpoint store selected, progress is lost on exit")
		return checkpoint.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
}
