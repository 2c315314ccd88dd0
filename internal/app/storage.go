package app

import (
	"fmt"

	"credential-coordinator/internal/common/logging"
	"credential-coordinator/internal/store/postgres"
	"credential-coordinator/internal/store/sqlite"
)

func (app *App) initializeStore() error {
	switch app.Config.DatabaseType {
	case "postgres", "postgresql":
		app.Logger.Info("Database: PostgreSQL",
			logging.Field{Key: "host", Value: app.Config.PostgresHost},
			logging.Field{Key: "port", Value: app.Config.PostgresPort},
			logging.Field{Key: "database", Value: app.Config.PostgresDB},
		)
		pgConfig := &postgres.Config{
			Host:     app.Config.PostgresHost,
			Port:     app.Config.PostgresPort,
			Database: app.Config.PostgresDB,
			Username: app.Config.PostgresUser,
			Password: app.Config.PostgresPassword,
			SSLMode:  app.Config.PostgresSSLMode,
		}
		adapter, err := postgres.NewAdapter(pgConfig, app.Encryptor)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		app.Store = adapter

	default:
		dbPath := app.Config.DatabasePath
		if dbPath == "" {
			dbPath = "./credentials.db"
		}
		app.Logger.Info("Database: SQLite", logging.Field{Key: "path", Value: dbPath})
		adapter, err := sqlite.NewAdapter(dbPath, app.Encryptor)
		if err != nil {
			return fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
		app.Store = adapter
	}

	return nil
}
