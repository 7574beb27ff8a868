package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/dispatch/internal/queue"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// LeaseRequest asks for the next available job.
type LeaseRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

// CompleteRequest reports a finished job. WorkerID, when set, must hold the
// lease.
type CompleteRequest struct {
	WorkerID string `json:"worker_id,omitempty"`
}

// FailRequest reports a failed attempt.
type FailRequest struct {
	WorkerID     string `json:"worker_id,omitempty"`
	Retry        bool   `json:"retry"`
	RetryDelayMS int64  `json:"retry_delay_ms,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) enqueue(c echo.Context) error {
	var req queue.EnqueueRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.deps.Queue.Enqueue(c.Request().Context(), req)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if res.Outcome == schema.Enqueued {
		status = http.StatusCreated
	}
	return c.JSON(status, res)
}

// lease returns 200 with the leased job, or 204 when nothing is available.
// Losing a lease race is reported the same way.
func (s *Server) lease(c echo.Context) error {
	var req LeaseRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.WorkerID == "" {
		return schema.NewError(schema.ErrCodeValidation, "worker_id is required")
	}
	leaseFor := time.Duration(req.LeaseSeconds) * time.Second
	job, err := s.deps.Queue.Lease(c.Request().Context(), req.WorkerID, leaseFor)
	if schema.IsCode(err, schema.ErrCodeLeaseConflict) {
		return c.NoContent(http.StatusNoContent)
	}
	if err != nil {
		return err
	}
	if job == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) completeJob(c echo.Context) error {
	var req CompleteRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	if err := s.deps.Queue.Complete(c.Request().Context(), id, req.WorkerID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"queue_id": id, "status": string(schema.JobDone)})
}

func (s *Server) failJob(c echo.Context) error {
	var req FailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	job, err := s.deps.Queue.Fail(c.Request().Context(), c.Param("id"), req.WorkerID, req.Retry,
		time.Duration(req.RetryDelayMS)*time.Millisecond, req.Error)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// queueSize counts rows in one status, queued by default.
func (s *Server) queueSize(c echo.Context) error {
	status := schema.JobStatus(c.QueryParam("status"))
	if status == "" {
		status = schema.JobQueued
	}
	n, err := s.deps.Queue.Size(c.Request().Context(), status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"status": status, "size": n})
}

func (s *Server) listJobs(c echo.Context) error {
	jobs, err := s.deps.Queue.List(c.Request().Context(), store.JobFilter{
		ExecutionID: c.QueryParam("execution_id"),
		Status:      schema.JobStatus(c.QueryParam("status")),
		Limit:       queryInt(c, "limit", 100),
	})
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*schema.QueueJob{}
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": jobs})
}
