// Package app wires a workspace into a ready engine: config, database,
// migrations, logging, the audit queue and the optional cache publisher.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"custodia/internal/audit"
	"custodia/internal/cache"
	"custodia/internal/config"
	"custodia/internal/db"
	"custodia/internal/engine"
	"custodia/internal/logging"
	"custodia/internal/migrate"
	"custodia/internal/notify"
	"custodia/internal/repo"
)

type Options struct {
	Workspace string
	LogLevel  string
	LogFormat string

	// Logger overrides LogLevel and LogFormat.
	Logger *zap.Logger

	// AuditQueue sizes the asynchronous audit queue. Zero writes audit rows
	// synchronously after each commit.
	AuditQueue int
}

type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Logger *zap.Logger

	closers []func() error
}

// Open loads custodia.yml (defaults when absent), opens and migrates the
// workspace database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(opts.LogLevel, opts.LogFormat, "custodia"); err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Logger: logger}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg, logger)
	if opts.AuditQueue > 0 {
		q := audit.NewAsync(e.Audit, opts.AuditQueue, logger)
		e.Audit = q
		a.closers = append(a.closers, func() error { q.Close(); return nil })
	}
	if cfg.Cache.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.Cache.RedisAddr)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("cache publisher unreachable", zap.String("addr", cfg.Cache.RedisAddr), zap.Error(err))
		}
		e.Cache = cache.RedisPublisher{Client: client, Channel: cfg.Cache.Channel, Logger: logger}
		a.closers = append(a.closers, client.Close)
	}
	a.Engine = e
	return a, nil
}

// Notifier returns the webhook dispatcher for the configured hooks, or nil.
func (a *App) Notifier() *notify.Dispatcher {
	return notify.New(a.Engine.Repo, a.Config.Notifications.Webhooks, a.Logger)
}

// Repo returns the unbound store.
func (a *App) Repo() repo.Repo {
	return a.Engine.Repo
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}
