package appbootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"berkut-cases/api"
	"berkut-cases/config"
	"berkut-cases/core/cases"
	"berkut-cases/core/store"
	"berkut-cases/core/utils"
)

// RunServer opens the database, applies migrations and serves the API until
// ctx is cancelled.
func RunServer(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) error {
	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	rt, err := composeRuntime(cfg, db, logger)
	if err != nil {
		return fmt.Errorf("compose runtime: %w", err)
	}
	return api.NewServer(cfg, rt.serverDeps, rt.workers, logger).Run(ctx)
}

// OpenService gives direct database access to the case service, used by the
// CLI when it runs without a server. The returned func closes the database.
func OpenService(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*cases.Service, func() error, error) {
	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	svc, err := composeCases(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return svc, db.Close, nil
}

func openDB(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*sql.DB, error) {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
