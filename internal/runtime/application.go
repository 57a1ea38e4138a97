// Package runtime boots the engine: configuration, storage, background
// services and the HTTP listener, with graceful shutdown.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/questforge/engine/internal/app"
	"github.com/questforge/engine/internal/config"
	"github.com/questforge/engine/internal/httpapi"
	"github.com/questforge/engine/internal/storage/postgres"
	rediscache "github.com/questforge/engine/internal/storage/redis"
	"github.com/questforge/engine/internal/system"
	"github.com/questforge/engine/pkg/logger"
)

// Application owns the process lifecycle.
type Application struct {
	cfg      *config.Config
	log      *logger.Logger
	server   *http.Server
	services []system.Service
	cleanup  []func() error
}

// New loads configuration and constructs everything the process needs. With
// no DATABASE_URL the engine runs on the in-memory store.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New("engine", logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	a := &Application{cfg: cfg, log: log}

	opts := app.Options{Log: log}
	if cfg.Database.DSN != "" {
		db, err := openDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, db.Close)
		if err := postgres.Migrate(db.DB); err != nil {
			return nil, err
		}
		store := postgres.New(db)
		opts.Stores = store
		opts.Transactor = store
		log.Info("using postgres storage")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory storage")
	}

	if cfg.Redis.Addr != "" {
		cache, err := rediscache.New(context.Background(), cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, cache.Close)
		opts.Cache = cache
		log.WithField("addr", cfg.Redis.Addr).Info("weekly snapshot cache enabled")
	}

	engine, err := app.New(cfg, opts)
	if err != nil {
		return nil, err
	}
	a.services = append(a.services, engine.Sweeper)

	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           httpapi.New(engine, cfg.Server, log.WithField("component", "httpapi")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

func openDatabase(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Run starts background services and the HTTP listener, blocking until the
// process receives an interrupt or the listener fails.
func (a *Application) Run() error {
	ctx := context.Background()
	for _, svc := range a.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.server.Addr).Info("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		a.Shutdown()
		return err
	case sig := <-stop:
		a.log.WithField("signal", sig.String()).Info("shutting down")
		return a.Shutdown()
	}
}

// Shutdown stops the listener, background services and storage connections.
func (a *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	for _, svc := range a.services {
		if err := svc.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, fn := range a.cleanup {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
