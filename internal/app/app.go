// Package app wires the service together: configuration, logging,
// storage, the scheduling engine, the retention job, and the admin API.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/himanga/fledge/internal/adapter/httpapi"
	storagepg "github.com/himanga/fledge/internal/adapter/storage/pg"
	storagesqlite "github.com/himanga/fledge/internal/adapter/storage/sqlite"
	"github.com/himanga/fledge/internal/config"
	"github.com/himanga/fledge/internal/core/scheduler"
	"github.com/himanga/fledge/internal/platform/logger"
	"github.com/himanga/fledge/internal/platform/pg"
	"github.com/himanga/fledge/internal/platform/sqlite"
	"github.com/himanga/fledge/migrations"
)

const dbWaitTimeout = 60 * time.Second

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "fledged",
	})
	return &App{cfg: cfg, log: log}, nil
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	a.log.Info("starting", "storage", a.cfg.Storage.Driver)
	defer func() { _ = logger.Close(a.log) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, ping, closeStore, err := a.openStorage(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	// Close out tasks a previous instance left running.
	if n, err := store.InterruptOrphans(ctx, time.Now(), "scheduler restart"); err != nil {
		a.log.Error("orphan sweep failed", "error", err)
	} else if n > 0 {
		a.log.Info("orphaned tasks interrupted", "count", n)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sched, err := scheduler.New(scheduler.Config{
		Storage:    store,
		Launcher:   scheduler.ExecLauncher{},
		Logger:     a.log,
		Registerer: registry,
		StopGrace:  a.cfg.Scheduler.StopGrace,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	retention := a.startRetention(store)
	defer retention.Stop()

	router := httpapi.NewRouter(httpapi.Config{
		Engine:   sched,
		Tasks:    store,
		Logger:   a.log,
		Gatherer: registry,
		Ping:     ping,
	})
	srv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: router}
	go func() {
		a.log.Info("admin api listening", "addr", a.cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("server", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	a.log.Info("shutdown requested")

	a.stopScheduler(sched)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStorage sets up the configured backend: wait for availability,
// migrate the schema, and build the repository.
func (a *App) openStorage(ctx context.Context) (scheduler.Storage, func(ctx context.Context) error, func(), error) {
	switch a.cfg.Storage.Driver {
	case "postgres":
		dsn := a.cfg.Storage.DSN
		if dsn == "" {
			dsn = pg.BuildDSN(pg.DSNConfig{
				Host:            a.cfg.Storage.PGHost,
				Port:            a.cfg.Storage.PGPort,
				User:            a.cfg.Storage.PGUser,
				Password:        a.cfg.Storage.PGPassword,
				Database:        a.cfg.Storage.PGDatabase,
				SSLMode:         a.cfg.Storage.PGSSLMode,
				ApplicationName: "fledged",
			})
		}
		a.log.Info("connecting", "dsn", pg.RedactDSN(dsn))

		if err := pg.WaitForDB(ctx, dsn, dbWaitTimeout); err != nil {
			return nil, nil, nil, err
		}
		version, err := pg.ApplyMigrationsFromFS(dsn, migrations.Postgres, migrations.PostgresDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		a.log.Info("schema ready", "version", version)

		pool, err := pg.NewPool(ctx, dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := storagepg.NewRepository(pool, a.log)
		ping := func(ctx context.Context) error { return pg.HealthCheckPool(ctx, pool) }
		return repo, ping, pool.Close, nil

	case "sqlite":
		path := a.cfg.Storage.SQLitePath
		a.log.Info("opening database", "path", path)

		version, err := sqlite.ApplyMigrationsFromFS(path, migrations.SQLite, migrations.SQLiteDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		a.log.Info("schema ready", "version", version)

		db, err := sqlite.NewDB(ctx, path)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := storagesqlite.NewRepository(db, a.log)
		ping := func(ctx context.Context) error { return pingSQL(ctx, db) }
		return repo, ping, func() { _ = db.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}
}

func pingSQL(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// startRetention schedules the daily purge of finished task rows.
func (a *App) startRetention(store scheduler.Storage) *cron.Cron {
	c := cron.New()
	horizon := time.Duration(a.cfg.Scheduler.RetentionDays) * 24 * time.Hour

	_, err := c.AddFunc(a.cfg.Scheduler.RetentionSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := store.PurgeTasks(ctx, time.Now().Add(-horizon))
		if err != nil {
			a.log.Error("task purge failed", "error", err)
			return
		}
		a.log.Info("task history purged", "deleted", n, "retention_days", a.cfg.Scheduler.RetentionDays)
	})
	if err != nil {
		a.log.Error("invalid retention schedule",
			"schedule", a.cfg.Scheduler.RetentionSchedule, "error", err)
	}

	c.Start()
	return c
}

// stopScheduler drains the engine, retrying while children shut down.
func (a *App) stopScheduler(sched *scheduler.Scheduler) {
	for attempt := 1; ; attempt++ {
		err := sched.Stop()
		if err == nil {
			return
		}
		if attempt >= a.cfg.Scheduler.StopRetries {
			a.log.Error("scheduler did not drain", "attempts", attempt, "error", err)
			return
		}
		a.log.Warn("tasks still draining", "attempt", attempt, "error", err)
		time.Sleep(200 * time.Millisecond)
	}
}
