// Package identity manages worker pool registrations.
package identity

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// Runtime constants for registered pools.
const (
	RuntimeGo     = "go"
	RuntimeShell  = "shell"
	RuntimePython = "python"
)

// ValidatePool checks required fields on a pool registration.
func ValidatePool(pool *store.WorkerPool) error {
	if pool == nil {
		return schema.NewError(schema.ErrCodeValidation, "pool registration is required")
	}
	if strings.TrimSpace(pool.Name) == "" {
		return schema.NewError(schema.ErrCodeValidation, "pool name is required")
	}
	if pool.Capacity < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "pool %q has negative capacity", pool.Name)
	}
	switch pool.Status {
	case "", store.PoolReady, store.PoolOffline:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid pool status %q: must be one of ready, offline", pool.Status)
	}
	return nil
}

// Registry tracks the worker pools known to the server.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a Registry.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, logger: logger, now: time.Now}
}

// Register upserts a pool. Capacity defaults to 1.
func (r *Registry) Register(ctx context.Context, pool *store.WorkerPool) (*store.WorkerPool, error) {
	if err := ValidatePool(pool); err != nil {
		return nil, err
	}
	if pool.Capacity == 0 {
		pool.Capacity = 1
	}
	if pool.Runtime == "" {
		pool.Runtime = RuntimeGo
	}
	pool.Status = store.PoolReady
	if err := r.store.UpsertPool(ctx, pool); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "worker pool registered",
		"pool", pool.Name, "runtime", pool.Runtime, "capacity", pool.Capacity, "hostname", pool.Hostname)
	return pool, nil
}

// Heartbeat records that a pool is alive. An unknown pool is NOT_FOUND unless
// the caller attached its registration, in which case the pool is recreated.
func (r *Registry) Heartbeat(ctx context.Context, name string, registration *store.WorkerPool) error {
	err := r.store.TouchPool(ctx, name, r.now())
	if err == nil || !schema.IsCode(err, schema.ErrCodeNotFound) || registration == nil {
		return err
	}
	if registration.Name == "" {
		registration.Name = name
	}
	r.logger.WarnContext(ctx, "heartbeat from unknown pool, re-registering", "pool", name)
	_, err = r.Register(ctx, registration)
	return err
}

// Deregister marks a pool offline. Unknown pools are NOT_FOUND.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	if err := r.store.SetPoolStatus(ctx, name, store.PoolOffline); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "worker pool deregistered", "pool", name)
	return nil
}

// List returns every registered pool.
func (r *Registry) List(ctx context.Context) ([]*store.WorkerPool, error) {
	return r.store.ListPools(ctx)
}

// MarkStale flags ready pools silent for longer than maxSilence as offline.
func (r *Registry) MarkStale(ctx context.Context, maxSilence time.Duration) (int, error) {
	n, err := r.store.MarkStalePools(ctx, r.now().Add(-maxSilence))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.WarnContext(ctx, "stale worker pools marked offline", "count", n)
	}
	return n, nil
}
