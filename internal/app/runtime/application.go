// Package runtime wires configuration, storage, services and the HTTP
// server into a runnable process.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	app "github.com/EFHC-Network/ledger_core/internal/app"
	"github.com/EFHC-Network/ledger_core/internal/app/domain/ledger"
	"github.com/EFHC-Network/ledger_core/internal/app/httpapi"
	"github.com/EFHC-Network/ledger_core/internal/app/metrics"
	"github.com/EFHC-Network/ledger_core/internal/app/storage/postgres"
	"github.com/EFHC-Network/ledger_core/internal/config"
	"github.com/EFHC-Network/ledger_core/internal/platform/migrations"
	"github.com/EFHC-Network/ledger_core/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sql.DB
}

// NewApplication constructs a new application instance with default wiring.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	stores, db, err := buildStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	eco, err := config.LoadEconomyOrDefault(cfg.EconomyPath)
	if err != nil {
		return nil, fmt.Errorf("load economy config: %w", err)
	}

	application, err := app.New(stores, app.Options{
		Economy:  eco,
		BankID:   cfg.Bank.UserID,
		Schedule: cfg.Schedule,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}

	supply, err := ledger.ParseAmount(cfg.Bank.InitialSupply)
	if err != nil {
		return nil, fmt.Errorf("BANK_INITIAL_SUPPLY: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := application.Wallet.EnsureBank(ctx, supply); err != nil {
		return nil, fmt.Errorf("ensure bank account: %w", err)
	}

	limiter := httpapi.NewRateLimiter(cfg.RateLimit.WritesPerMinute, cfg.RateLimit.Burst, log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", limiter.Handler(httpapi.NewHandler(application)))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           metrics.InstrumentHandler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		app:        application,
		httpServer: httpSrv,
		db:         db,
	}, nil
}

// App exposes the wired service container.
func (a *Application) App() *app.Application { return a.app }

// Start launches the background services.
func (a *Application) Start(ctx context.Context) error {
	return a.app.Start(ctx)
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, the background services and
// the database.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping services")
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}

	return nil
}

// buildStores opens PostgreSQL when a DSN is configured and falls back to
// the in-memory store otherwise. Empty stores in the returned struct are
// filled in by app.New.
func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("DATABASE_DSN not set; using in-memory storage")
		return app.Stores{}, nil, nil
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return app.Stores{}, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
	}

	store := postgres.New(db)
	return app.Stores{
		Users:       store,
		Ledger:      store,
		Panels:      store,
		Referrals:   store,
		Withdrawals: store,
		Ranks:       store,
		Jobs:        store,
	}, db, nil
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
