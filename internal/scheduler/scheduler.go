// Package scheduler runs the server's periodic maintenance: expired leases
// are reaped, running executions are swept for lost notifications and silent
// worker pools are marked offline.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task names.
const (
	TaskReap       = "reap"
	TaskSweep      = "sweep"
	TaskStalePools = "stale_pools"
)

// Task is one maintenance job. Run returns how many items it touched.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Config holds the cron specs of the built-in tasks. An empty spec disables
// the task.
type Config struct {
	ReapSpec       string        `json:"reap_spec"`
	SweepSpec      string        `json:"sweep_spec"`
	StalePoolsSpec string        `json:"stale_pools_spec"`
	PoolStaleAfter time.Duration `json:"pool_stale_after"`
}

// DefaultConfig returns the maintenance defaults.
func DefaultConfig() Config {
	return Config{
		ReapSpec:       "@every 15s",
		SweepSpec:      "@every 30s",
		StalePoolsSpec: "@every 1m",
		PoolStaleAfter: 2 * time.Minute,
	}
}

// Reaper requeues expired leases. Satisfied by *queue.Queue.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Sweeper re-evaluates running executions. Satisfied by *orchestrator.Dispatcher.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// PoolMarker marks silent pools offline. Satisfied by *identity.Registry.
type PoolMarker interface {
	MarkStale(ctx context.Context, maxSilence time.Duration) (int, error)
}

// Tasks builds the built-in task list. Nil collaborators and empty specs
// are skipped.
func Tasks(cfg Config, reaper Reaper, sweeper Sweeper, pools PoolMarker) []Task {
	var tasks []Task
	if reaper != nil && cfg.ReapSpec != "" {
		tasks = append(tasks, Task{Name: TaskReap, Spec: cfg.ReapSpec, Run: reaper.Reap})
	}
	if sweeper != nil && cfg.SweepSpec != "" {
		tasks = append(tasks, Task{Name: TaskSweep, Spec: cfg.SweepSpec, Run: sweeper.Sweep})
	}
	if pools != nil && cfg.StalePoolsSpec != "" {
		after := cfg.PoolStaleAfter
		if after <= 0 {
			after = DefaultConfig().PoolStaleAfter
		}
		tasks = append(tasks, Task{Name: TaskStalePools, Spec: cfg.StalePoolsSpec, Run: func(ctx context.Context) (int, error) {
			return pools.MarkStale(ctx, after)
		}})
	}
	return tasks
}

// Scheduler runs tasks on their cron specs.
type Scheduler struct {
	tasks  []Task
	parser cron.Parser
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron

	inflightMu sync.Mutex
	inflight   map[string]struct{} // task names currently running
}

// NewScheduler creates a Scheduler. Specs accept five cron fields or a
// descriptor such as @every 30s.
func NewScheduler(tasks []Task, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:    tasks,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start validates every spec and launches the cron loop. Task runs use ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(cron.WithParser(s.parser))
	for _, task := range s.tasks {
		task := task
		if _, err := c.AddFunc(task.Spec, func() { s.runTask(ctx, task) }); err != nil {
			return fmt.Errorf("schedule task %q (%s): %w", task.Name, task.Spec, err)
		}
	}
	c.Start()
	s.cron = c
	s.logger.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// RunAll runs every task once, skipping tasks already in flight. Used at
// startup to recover work left behind by a previous process.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, task := range s.tasks {
		s.runTask(ctx, task)
	}
}

// runTask runs one task unless a previous run is still in flight.
func (s *Scheduler) runTask(ctx context.Context, task Task) {
	if ctx.Err() != nil {
		return
	}
	if !s.tryAcquire(task.Name) {
		s.logger.Debug("maintenance task still running", slog.String("task", task.Name))
		return
	}
	defer s.releaseTask(task.Name)

	n, err := task.Run(ctx)
	if err != nil {
		s.logger.Error("maintenance task failed",
			slog.String("task", task.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.Info("maintenance task ran", slog.String("task", task.Name), slog.Int("count", n))
	}
}

// tryAcquire returns true and marks the task as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseTask(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a spec.
func (s *Scheduler) CalculateNextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return schedule.Next(from), nil
}

// Stop halts the cron loop and waits for running tasks.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}
	<-s.cron.Stop().Done()
	s.cron = nil

	s.logger.Info("scheduler stopped")
	return nil
}
