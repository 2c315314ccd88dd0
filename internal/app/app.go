// Package app wires the credential coordinator together: configuration,
// storage, Redis, the OAuth refresh stack, the admin API, and the batch
// refresh scheduler.
package app

import (
	"time"

	"credential-coordinator/internal/auth"
	"credential-coordinator/internal/common/logging"
	"credential-coordinator/internal/config"
	"credential-coordinator/internal/crypto"
	"credential-coordinator/internal/handlers"
	"credential-coordinator/internal/locks"
	"credential-coordinator/internal/oauth"
	"credential-coordinator/internal/redis"
	"credential-coordinator/internal/scheduler"
	"credential-coordinator/internal/store"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Store       store.Store
	Encryptor   *crypto.Encryptor
	RedisClient *redis.Client
	Locks       *locks.Manager
	Directory   *oauth.ClientDirectory
	Events      *oauth.Events
	Provider    *oauth.ProviderClient
	Executor    *oauth.Executor
	Coordinator *oauth.Coordinator
	StateStore  *oauth.StateStore
	Auth        *auth.Service
	Scheduler   *scheduler.Scheduler
	Logger      logging.Logger
}

// New creates a new application instance with all dependencies
func New(cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"}),
	}

	// Initialize components in order of dependency
	if err := app.initializeEncryption(); err != nil {
		return nil, err
	}

	if err := app.initializeStore(); err != nil {
		return nil, err
	}

	// Redis backs the advisory locks and authorization-flow state, so the
	// coordinator cannot run without it.
	if err := app.initializeRedis(); err != nil {
		return nil, err
	}

	if err := app.initializeOAuth(); err != nil {
		return nil, err
	}

	app.Auth = auth.New(cfg.JWTSecret)

	if err := app.initializeScheduler(); err != nil {
		return nil, err
	}

	return app, nil
}

func (app *App) initializeEncryption() error {
	encryptor, err := crypto.NewEncryptor(app.Config.EncryptionKey)
	if err != nil {
		return err
	}
	app.Encryptor = encryptor
	return nil
}

func (app *App) initializeOAuth() error {
	directory, err := app.loadClientDirectory()
	if err != nil {
		return err
	}
	app.Directory = directory

	app.Events = oauth.NewEvents(app.Logger, app.Config.AppEnv)
	app.Provider = oauth.NewProviderClient(app.Logger)

	resolver := oauth.NewResolver(directory, directory, directory)
	app.Executor = oauth.NewExecutor(app.Store, resolver, app.Provider, app.Events)
	app.Coordinator = oauth.NewCoordinator(app.Store, app.Locks, app.Executor, app.Events, app.Logger)
	app.StateStore = oauth.NewStateStore(app.RedisClient, oauth.DefaultStateTTL)
	return nil
}

func (app *App) loadClientDirectory() (*oauth.ClientDirectory, error) {
	if app.Config.OAuthClientsFile == "" {
		app.Logger.Warn("OAuth clients: no directory file configured, starting with an empty registry")
		return oauth.EmptyClientDirectory(), nil
	}

	directory, err := oauth.LoadClientDirectory(app.Config.OAuthClientsFile)
	if err != nil {
		return nil, err
	}
	app.Logger.Info("OAuth clients: loaded directory",
		logging.Field{Key: "path", Value: app.Config.OAuthClientsFile})
	return directory, nil
}

func (app *App) initializeScheduler() error {
	buffer := time.Duration(app.Config.RefreshBuffer()) * time.Minute

	sched, err := scheduler.New(app.Coordinator, app.Config.RefreshSchedule, buffer, app.Logger)
	if err != nil {
		return err
	}
	app.Scheduler = sched

	app.Logger.Info("Scheduler: Configured",
		logging.Field{Key: "schedule", Value: app.Config.RefreshSchedule},
		logging.Field{Key: "buffer", Value: buffer.String()},
	)
	return nil
}

// Handlers builds the admin API handler set from the wired dependencies.
func (app *App) Handlers() *handlers.Handlers {
	return handlers.New(app.Coordinator, app.Store, app.RedisClient, app.Logger)
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Scheduler != nil {
		app.Scheduler.Stop()
	}
	if app.Locks != nil {
		if err := app.Locks.Close(); err != nil {
			app.Logger.Warn("Lock manager close failed", logging.Field{Key: "error", Value: err.Error()})
		}
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
	if app.Store != nil {
		app.Store.Close()
	}
}
