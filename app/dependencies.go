package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/llm-adapter/config"
	"github.com/upb/llm-adapter/repositories"
	"github.com/upb/llm-adapter/repositories/postgres"
	"github.com/upb/llm-adapter/services/routing"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB // nil when the usage ledger is disabled
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Usage repositories.UsageRepository

	// Router is the provider facade every endpoint and command calls
	Router *routing.RoutingService
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	var factory *postgres.RepositoryFactory
	if cfg.Database != nil {
		f, err := postgres.NewRepositoryFactory(*cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		factory = f
	}

	deps, err := newDependencies(ctx, cfg, logger, factory)
	if err != nil && factory != nil {
		_ = factory.Close()
	}
	return deps, err
}

// newDependencies wires everything over an already opened factory, which may
// be nil
func newDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, factory *postgres.RepositoryFactory) (*Dependencies, error) {
	deps := &Dependencies{
		Config:      cfg,
		Logger:      logger,
		RepoFactory: factory,
	}

	if err := deps.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps.initRepositories()

	if err := deps.initRouter(); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase prepares the usage ledger schema
func (d *Dependencies) initDatabase(ctx context.Context) error {
	if d.RepoFactory == nil {
		d.Logger.Info("no database configured, usage ledger disabled")
		return nil
	}

	d.DB = d.RepoFactory.DB()

	if err := d.RepoFactory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize usage schema: %w", err)
	}
	return nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() {
	if d.RepoFactory == nil {
		return
	}

	repos := d.RepoFactory.NewRepositories()
	d.Usage = repos.Usage

	d.Logger.Info("repositories initialized")
}

// initRouter builds one adapter per configured provider behind the facade
func (d *Dependencies) initRouter() error {
	var opts []routing.Option
	if d.Usage != nil {
		opts = append(opts, routing.WithUsageRecorder(d.Usage))
	}

	router, err := routing.NewRoutingService(d.Config.Providers, d.Logger, opts...)
	if err != nil {
		return err
	}

	d.Router = router
	return nil
}

// Close gracefully shuts down all dependencies. It is safe to call twice.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
		d.DB = nil
		d.Usage = nil
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
