// Package orchestrator ties the server components together: it starts
// executions, feeds bus notifications to the loop tracker and the broker,
// sweeps stalled executions and summarizes execution state for the API.
package orchestrator

import (
	"context"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/rendis/dispatch/internal/broker"
	"github.com/rendis/dispatch/internal/catalog"
	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/internal/validation"
	"github.com/rendis/dispatch/pkg/schema"
)

// RunRequest starts an execution of a registered playbook. CatalogID wins
// over Path and Version; an empty Version means the latest.
type RunRequest struct {
	Path              string         `json:"path,omitempty"`
	Version           string         `json:"version,omitempty"`
	CatalogID         string         `json:"catalog_id,omitempty"`
	Workload          map[string]any `json:"workload,omitempty"`
	ExecutionID       string         `json:"execution_id,omitempty"`
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	ParentEventID     string         `json:"parent_event_id,omitempty"`
	ParentStep        string         `json:"parent_step,omitempty"`
	Index             *int           `json:"index,omitempty"`
}

// Runner records execution_start events. The broker picks the execution up
// from the resulting notification.
type Runner struct {
	catalog   *catalog.Catalog
	validator *validation.PlaybookValidator
	events    *eventlog.Log
	logger    *slog.Logger
}

// NewRunner creates a Runner. validator may be nil to skip workload checks.
func NewRunner(cat *catalog.Catalog, validator *validation.PlaybookValidator, events *eventlog.Log, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{catalog: cat, validator: validator, events: events, logger: logger}
}

// Run resolves the playbook, merges the request workload over the
// playbook's defaults and records execution_start.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*schema.Event, error) {
	entry, err := r.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	pb, err := r.catalog.Playbook(ctx, entry.CatalogID)
	if err != nil {
		return nil, err
	}

	workload := make(map[string]any, len(pb.Workload)+len(req.Workload))
	maps.Copy(workload, pb.Workload)
	maps.Copy(workload, req.Workload)
	if r.validator != nil {
		if err := r.validator.ValidateWorkload(pb, workload); err != nil {
			return nil, err
		}
	}

	execID := req.ExecutionID
	if execID == "" {
		execID = newID()
	} else if _, err := r.events.Start(ctx, execID); err == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q already started", execID)
	} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}

	meta := map[string]any{
		"catalog_id": entry.CatalogID,
		"path":       entry.Path,
		"version":    entry.Version,
	}
	if req.ParentStep != "" {
		meta["parent_step"] = req.ParentStep
	}
	if req.Index != nil {
		meta["parent_index"] = *req.Index
	}
	res, err := r.events.Emit(ctx, &schema.Event{
		ExecutionID:       execID,
		EventType:         schema.EventExecutionStart,
		CatalogID:         entry.CatalogID,
		ParentExecutionID: req.ParentExecutionID,
		ParentEventID:     req.ParentEventID,
		NodeName:          entry.Path,
		Context: schema.MustJSON(map[string]any{
			"workload": workload,
			"path":     entry.Path,
			"version":  entry.Version,
		}),
		Meta: schema.MustJSON(meta),
	})
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "execution started",
		"execution_id", execID, "path", entry.Path, "version", entry.Version,
		"parent_execution_id", req.ParentExecutionID)
	return res.Event, nil
}

// SpawnChild starts a child execution on behalf of the broker.
func (r *Runner) SpawnChild(ctx context.Context, spec broker.ChildSpec) error {
	_, err := r.Run(ctx, RunRequest{
		Path:              spec.Path,
		Version:           spec.Version,
		Workload:          spec.Workload,
		ExecutionID:       spec.ExecutionID,
		ParentExecutionID: spec.ParentExecutionID,
		ParentEventID:     spec.ParentEventID,
		ParentStep:        spec.ParentStep,
		Index:             spec.Index,
	})
	return err
}

func (r *Runner) resolve(ctx context.Context, req RunRequest) (*store.CatalogEntry, error) {
	if req.CatalogID != "" {
		return r.catalog.Get(ctx, req.CatalogID)
	}
	if req.Path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "path or catalog_id is required")
	}
	entry, err := r.catalog.FetchEntry(ctx, req.Path, req.Version)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCatalogResolution, "cannot resolve playbook %s@%s", req.Path, req.Version).
			WithCause(err).
			WithDetails(map[string]any{"path": req.Path, "version": req.Version})
	}
	return entry, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

var _ broker.Spawner = (*Runner)(nil)
