// Package app wires the store, directory, notifier and engine for one workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pcpline/internal/config"
	"pcpline/internal/db"
	"pcpline/internal/directory"
	"pcpline/internal/engine"
	"pcpline/internal/logger"
	"pcpline/internal/metrics"
	"pcpline/internal/migrate"
	"pcpline/internal/notify"
	"pcpline/internal/report"
	"pcpline/internal/repo"
)

// App holds everything a command or the HTTP server needs.
type App struct {
	Workspace  string
	DB         *sql.DB
	Config     *config.Config
	Directory  *directory.Cache
	Dispatcher *notify.Dispatcher
	Metrics    *metrics.Metrics
	Engine     engine.Engine
	Reports    report.Reader

	closeSinks func()
}

type Options struct {
	// ConfigPath overrides <workspace>/pcp.yml.
	ConfigPath string
	// Metrics is created when nil.
	Metrics *metrics.Metrics
}

// Open migrates the workspace database and wires the engine.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	cfg, err := loadConfig(workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	dir, err := directory.NewCache(directory.Store{Repo: r}, cfg.Directory.CacheSize)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	sinks, closeSinks, err := notify.SinksFromConfig(cfg.Notifications)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notification sinks: %w", err)
	}
	dispatcher, err := notify.NewDispatcher(sinks, notify.Options{
		PoolSize:  cfg.Notifications.PoolSize,
		QueueSize: cfg.Notifications.QueueSize,
		Timeout:   cfg.Notifications.Timeout(),
		Failures:  notify.RepoFailureLog{Repo: r},
		Metrics:   m,
	})
	if err != nil {
		closeSinks()
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg, dir, dir, dispatcher, m)
	logger.Debug("workspace opened", zap.String("workspace", workspace), zap.Int("sinks", len(sinks)))
	return &App{
		Workspace:  workspace,
		DB:         conn,
		Config:     cfg,
		Directory:  dir,
		Dispatcher: dispatcher,
		Metrics:    m,
		Engine:     e,
		Reports: report.Reader{
			Repo:    r,
			Weights: cfg.Reports.Efficiency,
			Now:     e.Now,
		},
		closeSinks: closeSinks,
	}, nil
}

func loadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// Close drains pending notifications, then releases sinks and the database.
func (a *App) Close() error {
	var errs []error
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(a.Config.Notifications.Timeout() + time.Second); err != nil {
			errs = append(errs, err)
		}
	}
	if a.closeSinks != nil {
		a.closeSinks()
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
