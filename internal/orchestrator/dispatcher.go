package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rendis/dispatch/internal/bus"
	"github.com/rendis/dispatch/internal/engine"
	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/logging"
	"github.com/rendis/dispatch/pkg/schema"
)

// Evaluator advances executions. Satisfied by *broker.Broker.
type Evaluator interface {
	Evaluate(ctx context.Context, executionID, triggerEventID string) error
}

// Observer aggregates loops. Satisfied by *looptracker.Tracker.
type Observer interface {
	Observe(ctx context.Context, ev *schema.Event) error
	Reconcile(ctx context.Context, executionID string) error
}

// TriggerTypes are the event types that can move an execution forward.
var TriggerTypes = []string{
	schema.EventExecutionStart,
	schema.EventActionCompleted,
	schema.EventActionFailed,
	schema.EventStepCompleted,
	schema.EventExecutionComplete,
}

// DispatcherConfig tunes the notification consumer.
type DispatcherConfig struct {
	// Concurrency bounds how many executions are evaluated at once.
	Concurrency int `json:"concurrency"`
	// Buffer is the bus subscription size.
	Buffer int `json:"buffer"`
	// SweepLimit caps the executions one sweep visits.
	SweepLimit int `json:"sweep_limit"`
}

// DefaultDispatcherConfig returns the dispatcher defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Concurrency: 8, Buffer: 1024, SweepLimit: 500}
}

// sweepTrigger marks a queued full re-evaluation.
const sweepTrigger = ""

// Dispatcher consumes bus notifications and runs the loop tracker and the
// broker for each trigger. Triggers of one execution are handled one at a
// time in arrival order; different executions run concurrently.
type Dispatcher struct {
	hub     bus.Hub
	events  *eventlog.Log
	broker  Evaluator
	tracker Observer
	pool    *engine.Pool
	cfg     DispatcherConfig
	logger  *slog.Logger

	mu sync.Mutex
	// pending holds queued trigger ids per execution. A present key means a
	// drain for that execution is scheduled or running.
	pending map[string][]string

	// base is the context evaluations run under.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(hub bus.Hub, events *eventlog.Log, b Evaluator, tracker Observer, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		hub:     hub,
		events:  events,
		broker:  b,
		tracker: tracker,
		pool:    engine.NewPool("dispatcher", cfg.Concurrency, logger),
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string][]string),
		base:    context.Background(),
	}
}

// Start subscribes to the bus and consumes notifications until Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	ch, unsubscribe, err := d.hub.Subscribe(runCtx, bus.Filter{EventTypes: TriggerTypes, Buffer: d.cfg.Buffer})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe dispatcher: %w", err)
	}
	d.mu.Lock()
	d.base = runCtx
	d.mu.Unlock()
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case n, ok := <-ch:
				if !ok {
					return
				}
				d.enqueue(runCtx, n.ExecutionID, n.EventID)
			}
		}
	}()
	d.logger.InfoContext(ctx, "dispatcher started", "concurrency", d.cfg.Concurrency)
	return nil
}

// Stop ends the subscription and waits for running evaluations.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.pool.Shutdown()
}

// Wait blocks until every queued evaluation has run.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
}

func (d *Dispatcher) enqueue(ctx context.Context, executionID, eventID string) {
	d.mu.Lock()
	queued, scheduled := d.pending[executionID]
	d.pending[executionID] = append(queued, eventID)
	base := d.base
	d.mu.Unlock()
	if scheduled {
		return
	}

	err := d.pool.Submit(base, func(ctx context.Context) error {
		d.drain(ctx, executionID)
		return nil
	})
	if err != nil {
		d.mu.Lock()
		delete(d.pending, executionID)
		d.mu.Unlock()
		d.logger.WarnContext(ctx, "evaluation not scheduled", "execution_id", executionID, "error", err)
	}
}

func (d *Dispatcher) drain(ctx context.Context, executionID string) {
	for {
		d.mu.Lock()
		ids := d.pending[executionID]
		if len(ids) == 0 {
			delete(d.pending, executionID)
			d.mu.Unlock()
			return
		}
		d.pending[executionID] = []string{}
		d.mu.Unlock()

		for _, id := range ids {
			if id == sweepTrigger {
				_ = d.Reevaluate(ctx, executionID)
				continue
			}
			_ = d.Handle(ctx, executionID, id)
		}
	}
}

// Handle runs the loop tracker and the broker for one stored event. Errors
// are logged here and returned for callers that want them.
func (d *Dispatcher) Handle(ctx context.Context, executionID, eventID string) error {
	ctx = logging.WithExecutionID(ctx, executionID)
	ev, err := d.events.ByID(ctx, eventID)
	if err != nil {
		d.logger.WarnContext(ctx, "trigger event not readable", "event_id", eventID, "error", err)
		return err
	}
	ctx = logging.WithNodeName(ctx, ev.NodeName)

	var errs []error
	if err := d.tracker.Observe(ctx, ev); err != nil {
		d.logger.ErrorContext(ctx, "loop tracker failed", "event_id", eventID, "event_type", ev.EventType, "error", err)
		errs = append(errs, err)
	}
	if err := d.broker.Evaluate(ctx, executionID, eventID); err != nil {
		d.logger.ErrorContext(ctx, "broker evaluation failed", "event_id", eventID, "event_type", ev.EventType, "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reevaluate reconciles loops and advances every finished step of one
// execution.
func (d *Dispatcher) Reevaluate(ctx context.Context, executionID string) error {
	ctx = logging.WithExecutionID(ctx, executionID)
	var errs []error
	if err := d.tracker.Reconcile(ctx, executionID); err != nil {
		d.logger.ErrorContext(ctx, "loop reconcile failed", "error", err)
		errs = append(errs, err)
	}
	if err := d.broker.Evaluate(ctx, executionID, ""); err != nil {
		d.logger.ErrorContext(ctx, "sweep evaluation failed", "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Sweep queues a full re-evaluation of every running execution, recovering
// progress lost to dropped notifications. It returns how many were queued.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	ids, err := d.events.Running(ctx, d.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		d.enqueue(ctx, id, sweepTrigger)
	}
	if len(ids) > 0 {
		d.logger.DebugContext(ctx, "running executions swept", "count", len(ids))
	}
	return len(ids), nil
}
