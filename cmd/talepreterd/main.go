package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-logger/glog"
	_ "github.com/mattn/go-sqlite3"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/api"
	"github.com/talepreter/talepreter/bus"
	"github.com/talepreter/talepreter/cron"
	"github.com/talepreter/talepreter/grain"
	"github.com/talepreter/talepreter/store"
	"github.com/talepreter/talepreter/worktask"
)

var version = "dev"

var cli struct {
	Config  string           `help:"Path to the YAML configuration file." short:"c" type:"path"`
	Addr    string           `help:"Listen address, overrides the config file." placeholder:"HOST:PORT"`
	Debug   bool             `help:"Force debug level logging."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("talepreterd"),
		kong.Description("Tale orchestration service host."),
		kong.Vars{"version": version},
	)
	ctx.FatalIfErrorf(run())
}

func run() error {
	cfg, err := LoadConfig(cli.Config)
	if err != nil {
		return err
	}
	if cli.Addr != "" {
		cfg.Server.Addr = cli.Addr
	}
	if cli.Debug {
		cfg.Log.Level = "debug"
	}
	logger := newLogger(cfg.Log)
	logger.Info("talepreterd %s starting, services %v", version, cfg.Workers.Services)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Database.Dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	b := bus.New(bus.WithLogger(logger))
	documents := store.NewInMemoryDocumentStore()

	var (
		dbs        []*sql.DB
		sqlStores  []*store.SQLTaskStore
		containers []grain.Container
	)
	defer func() {
		for _, db := range dbs {
			db.Close()
		}
	}()

	taskStores := make(map[string]store.TaskStore, len(cfg.Workers.Services))
	for _, svc := range cfg.Workers.Services {
		dsn := filepath.Join(cfg.Database.Dir, svc+".db") + "?_journal_mode=WAL&_busy_timeout=5000"
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return fmt.Errorf("open database for service %s: %w", svc, err)
		}
		dbs = append(dbs, db)

		tasks := store.NewSQLTaskStore(db, svc)
		sqlStores = append(sqlStores, tasks)
		taskStores[svc] = tasks
		containers = append(containers, &serviceContainer{name: svc, tasks: tasks})
	}

	rt := grain.New(b, documents, containers, grain.WithLogger(logger))
	reporter := grainReporter{rt: rt}

	workers := make([]*worktask.Worker, 0, len(cfg.Workers.Services))
	for _, svc := range cfg.Workers.Services {
		w := worktask.NewWorker(svc, taskStores[svc], b, reporter,
			newTagProcessor(svc), &documentExecutor{docs: documents},
			worktask.WithLogger(logger),
			worktask.WithParallel(cfg.Workers.Parallel),
			worktask.WithRegistry(worktask.NewRegistry(cfg.Workers.TaskTimeout, logger)),
		)
		w.Attach(b)
		workers = append(workers, w)
	}

	scheduler := cron.NewScheduler(cron.WithLogger(logger))
	if _, err := scheduler.Schedule(cfg.Cron.StoreMaintenance, "task-store-maintenance", func(ctx context.Context) error {
		for _, s := range sqlStores {
			if err := s.Maintain(ctx); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("schedule store maintenance: %w", err)
	}
	if _, err := scheduler.Schedule(cfg.Cron.RegistryStats, "registry-stats", func(ctx context.Context) error {
		for _, w := range workers {
			if n := w.Registry().Len(); n > 0 {
				logger.Info("service %s has %d running page tasks", w.Service(), n)
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("schedule registry stats: %w", err)
	}
	scheduler.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.New(rt, api.WithLogger(logger)).Routes(router)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("server shutdown failed: %v", err)
	}
	if err := scheduler.Stop(sctx); err != nil {
		logger.Error("scheduler shutdown did not drain: %v", err)
	}
	return nil
}

// logAdapter bridges glog to the runtime logging contract while keeping
// structured field support.
type logAdapter struct {
	logger glog.Logger
}

func (l logAdapter) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l logAdapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l logAdapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l logAdapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l logAdapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l logAdapter) WithFields(fields map[string]any) talepreter.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return logAdapter{logger: fl.WithFields(fields)}
	}
	return l
}

func newLogger(cfg LogConfig) talepreter.Logger {
	opts := []glog.Option{
		glog.WithWriter(os.Stdout),
		glog.WithLevel(cfg.Level),
	}
	if cfg.Format == "json" {
		opts = append(opts, glog.WithLoggerTypeJSON())
	}
	return logAdapter{logger: glog.NewLogger(opts...)}
}
