package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rendis/dispatch/internal/actions"
	"github.com/rendis/dispatch/internal/api"
	"github.com/rendis/dispatch/internal/broker"
	"github.com/rendis/dispatch/internal/bus"
	"github.com/rendis/dispatch/internal/catalog"
	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/expressions"
	"github.com/rendis/dispatch/internal/identity"
	"github.com/rendis/dispatch/internal/looptracker"
	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/internal/queue"
	"github.com/rendis/dispatch/internal/scheduler"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/internal/validation"
	"github.com/rendis/dispatch/internal/worker"
)

func newServerCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the dispatch API, broker and maintenance scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			if fl.Changed("listen") {
				cfg.Server.ListenAddr, _ = fl.GetString("listen")
			}
			if fl.Changed("store-driver") {
				cfg.Store.Driver, _ = fl.GetString("store-driver")
			}
			if fl.Changed("store-dsn") {
				cfg.Store.DSN, _ = fl.GetString("store-dsn")
			}
			if fl.Changed("bus") {
				cfg.Bus.Driver, _ = fl.GetString("bus")
			}
			if fl.Changed("catalog-dir") {
				cfg.Catalog.Dir, _ = fl.GetString("catalog-dir")
			}
			if fl.Changed("embedded-worker") {
				cfg.Worker.Embedded, _ = fl.GetBool("embedded-worker")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
	cmd.Flags().String("listen", "", "TCP listen address")
	cmd.Flags().String("store-driver", "", "store driver: libsql or postgres")
	cmd.Flags().String("store-dsn", "", "store DSN (file:/path/dispatch.db or postgres://...)")
	cmd.Flags().String("bus", "", "notification bus: memory or redis")
	cmd.Flags().String("catalog-dir", "", "directory of playbooks registered at start")
	cmd.Flags().Bool("embedded-worker", false, "run a worker inside the server process")
	return cmd
}

// runServer wires every component and blocks until ctx is cancelled.
func runServer(ctx context.Context, cfg Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	hub, err := openHub(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer hub.Close()

	registry := actions.Builtin(cfg.actionsConfig())
	validator, err := validation.NewPlaybookValidator(registry)
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	renderer, err := expressions.NewRenderer()
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}

	cat := catalog.New(st, validator, logger)
	if cfg.Catalog.Dir != "" {
		n, err := cat.SeedDir(ctx, cfg.Catalog.Dir)
		if err != nil {
			return fmt.Errorf("seed catalog from %s: %w", cfg.Catalog.Dir, err)
		}
		logger.Info("catalog seeded", "dir", cfg.Catalog.Dir, "playbooks", n)
	}

	events := eventlog.New(st, cat, hub, logger)
	defer events.Wait()
	q := queue.New(st, cfg.queueConfig(), logger)
	pools := identity.NewRegistry(st, logger)

	b := broker.New(events, q, cat, renderer, cfg.brokerConfig(), logger)
	runner := orchestrator.NewRunner(cat, validator, events, logger)
	b.SetSpawner(runner)
	tracker := looptracker.New(events, b, cfg.loopConfig(), logger)

	dispatcher := orchestrator.NewDispatcher(hub, events, b, tracker, cfg.dispatcherConfig(), logger)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	sched := scheduler.NewScheduler(scheduler.Tasks(cfg.schedulerConfig(), q, dispatcher, pools), logger)
	// One pass at boot picks up executions left behind by a previous process.
	sched.RunAll(ctx)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	workerDone := make(chan error, 1)
	if cfg.Worker.Embedded {
		w := worker.New(worker.NewLocal(q, events, pools), registry, renderer, cfg.workerConfig(), logger)
		go func() { workerDone <- w.Run(ctx) }()
	} else {
		close(workerDone)
	}

	srv := api.NewServer(api.Deps{
		Events:     events,
		Queue:      q,
		Pools:      pools,
		Catalog:    cat,
		Runner:     runner,
		Executions: orchestrator.NewExecutions(events),
		Hub:        hub,
		Logger:     logger,
	}, cfg.apiConfig())

	logger.Info("dispatch server starting",
		"version", version,
		"addr", cfg.Server.ListenAddr,
		"store", st.Dialect(),
		"bus", cfg.Bus.Driver,
		"embedded_worker", cfg.Worker.Embedded)

	runErr := srv.Run(ctx)
	if err := <-workerDone; err != nil {
		logger.Error("embedded worker stopped", "error", err)
	}
	return runErr
}

func openStore(ctx context.Context, cfg StoreConfig) (*store.SQLStore, error) {
	if cfg.Driver == "" || cfg.Driver == "libsql" || cfg.Driver == "sqlite" {
		if path, ok := strings.CutPrefix(cfg.DSN, "file:"); ok {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
			}
		}
	}
	st, err := store.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

func openHub(ctx context.Context, cfg BusConfig, logger *slog.Logger) (bus.Hub, error) {
	switch cfg.Driver {
	case "", "memory":
		return bus.NewMemoryHub(), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		hub, err := bus.NewRedisHub(ctx, rdb, cfg.Channel, logger)
		if err != nil {
			return nil, errors.Join(err, rdb.Close())
		}
		return hub, nil
	}
	return nil, fmt.Errorf("unsupported bus driver %q", cfg.Driver)
}
