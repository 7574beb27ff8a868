// Package worker runs leased queue jobs. A worker registers its pool, keeps
// it alive with heartbeats and runs one lease loop per slot, reporting each
// attempt as action_started followed by action_completed or action_failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/dispatch/internal/actions"
	"github.com/rendis/dispatch/internal/engine"
	"github.com/rendis/dispatch/internal/expressions"
	"github.com/rendis/dispatch/internal/identity"
	"github.com/rendis/dispatch/internal/store"
)

// Config configures a worker process.
type Config struct {
	Pool              string               `json:"pool"`
	Runtime           string               `json:"runtime"`
	Capacity          int                  `json:"capacity"`
	Labels            map[string]string    `json:"labels,omitempty"`
	LeaseDuration     time.Duration        `json:"lease_duration"`
	PollInterval      time.Duration        `json:"poll_interval"`
	HeartbeatInterval time.Duration        `json:"heartbeat_interval"`
	StrictRender      bool                 `json:"strict_render"`
	Breaker           engine.BreakerConfig `json:"breaker"`
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		Pool:              "default",
		Runtime:           identity.RuntimeGo,
		Capacity:          4,
		LeaseDuration:     60 * time.Second,
		PollInterval:      time.Second,
		HeartbeatInterval: 15 * time.Second,
		Breaker:           engine.DefaultBreakerConfig(),
	}
}

// Worker leases and executes jobs.
type Worker struct {
	id       string
	cfg      Config
	backend  Backend
	registry *actions.Registry
	renderer *expressions.Renderer
	breakers *engine.Breakers
	pool     *engine.Pool
	logger   *slog.Logger
}

// New creates a Worker. Zero config fields take DefaultConfig values.
func New(backend Backend, registry *actions.Registry, renderer *expressions.Renderer, cfg Config, logger *slog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.Pool == "" {
		cfg.Pool = def.Pool
	}
	if cfg.Runtime == "" {
		cfg.Runtime = def.Runtime
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = def.Breaker
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:       cfg.Pool + "-" + uuid.NewString()[:8],
		cfg:      cfg,
		backend:  backend,
		registry: registry,
		renderer: renderer,
		breakers: engine.NewBreakers(cfg.Breaker),
		pool:     engine.NewPool("worker:"+cfg.Pool, cfg.Capacity, logger),
		logger:   logger,
	}
}

// ID returns the worker id used for leases.
func (w *Worker) ID() string { return w.id }

// Breakers exposes the per-action circuit breakers.
func (w *Worker) Breakers() *engine.Breakers { return w.breakers }

func (w *Worker) registration() *store.WorkerPool {
	hostname, _ := os.Hostname()
	return &store.WorkerPool{
		Name:     w.cfg.Pool,
		Runtime:  w.cfg.Runtime,
		Capacity: w.cfg.Capacity,
		Labels:   w.cfg.Labels,
		PID:      os.Getpid(),
		Hostname: hostname,
	}
}

// Run registers the pool and keeps every slot leasing until ctx is done,
// then waits for in-flight jobs and deregisters.
func (w *Worker) Run(ctx context.Context) error {
	reg := w.registration()
	if err := w.backend.RegisterPool(ctx, reg); err != nil {
		return fmt.Errorf("register pool %s: %w", w.cfg.Pool, err)
	}
	w.logger.InfoContext(ctx, "worker started",
		"worker_id", w.id, "pool", w.cfg.Pool, "capacity", w.cfg.Capacity)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(ctx, reg)
	}()

	for {
		if err := w.pool.Submit(ctx, w.poll); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, engine.ErrPoolShutdown) {
				w.logger.ErrorContext(ctx, "worker loop stopped", "error", err)
			}
			break
		}
	}
	w.pool.Shutdown()
	<-hbDone

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.backend.DeregisterPool(stopCtx, w.cfg.Pool); err != nil {
		w.logger.WarnContext(stopCtx, "deregister pool failed", "pool", w.cfg.Pool, "error", err)
	}
	m := w.pool.Metrics()
	w.logger.InfoContext(stopCtx, "worker stopped", "worker_id", w.id, "completed", m.Completed, "failed", m.Failed)
	return nil
}

func (w *Worker) heartbeat(ctx context.Context, reg *store.WorkerPool) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.backend.Heartbeat(ctx, reg.Name, reg); err != nil && ctx.Err() == nil {
				w.logger.WarnContext(ctx, "heartbeat failed", "pool", reg.Name, "error", err)
			}
		}
	}
}

// poll runs on one pool slot: lease a job and process it, or idle for one
// poll interval when none is available.
func (w *Worker) poll(ctx context.Context) error {
	job, err := w.backend.Lease(ctx, w.id, w.cfg.LeaseDuration)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.WarnContext(ctx, "lease failed", "error", err)
		}
		return engine.WaitForBackoff(ctx, w.cfg.PollInterval)
	}
	if job == nil {
		return engine.WaitForBackoff(ctx, w.cfg.PollInterval)
	}
	return w.Process(ctx, job)
}

// Drain leases and processes jobs one at a time until the queue has nothing
// eligible, returning how many were processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		job, err := w.backend.Lease(ctx, w.id, w.cfg.LeaseDuration)
		if err != nil {
			return n, err
		}
		if job == nil {
			return n, nil
		}
		if err := w.Process(ctx, job); err != nil {
			return n, err
		}
		n++
	}
}
