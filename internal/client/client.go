// Package client is the HTTP client of the dispatch API. Remote workers use
// it as their backend; the CLI and the MCP tools use it for everything else.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/dispatch/internal/api"
	"github.com/rendis/dispatch/internal/eventlog"
	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/internal/queue"
	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/internal/worker"
	"github.com/rendis/dispatch/pkg/schema"
)

// Client talks to a dispatch server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the server at baseURL (for example
// http://localhost:8480).
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// do sends body as JSON and decodes a 2xx response into out. Error
// responses are returned as *schema.DispatchError. It reports whether the
// server answered 204.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
		contentType = "application/yaml"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return false, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api"+path, reader)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return true, nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return false, decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}

func decodeError(status int, raw []byte) error {
	var body struct {
		Error *schema.DispatchError `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != nil && body.Error.Code != "" {
		return body.Error
	}
	code := schema.ErrCodeExecution
	switch status {
	case http.StatusNotFound:
		code = schema.ErrCodeNotFound
	case http.StatusConflict:
		code = schema.ErrCodeConflict
	case http.StatusBadRequest:
		code = schema.ErrCodeValidation
	}
	return schema.NewErrorf(code, "server returned %d: %s", status, strings.TrimSpace(string(raw)))
}

// --- Events ---

// Emit stores an event and returns the stored (or deduplicated) event.
func (c *Client) Emit(ctx context.Context, ev *schema.Event) (*schema.Event, error) {
	var res eventlog.EmitResult
	if _, err := c.do(ctx, http.MethodPost, "/events", ev, &res); err != nil {
		return nil, err
	}
	return res.Event, nil
}

// Events returns an execution's events in causal order.
func (c *Client) Events(ctx context.Context, executionID string, types ...string) ([]*schema.Event, error) {
	path := "/events/by-execution/" + url.PathEscape(executionID)
	if len(types) > 0 {
		path += "?type=" + url.QueryEscape(strings.Join(types, ","))
	}
	var res struct {
		Events []*schema.Event `json:"events"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

// Event returns one event by id.
func (c *Client) Event(ctx context.Context, eventID string) (*schema.Event, error) {
	var ev schema.Event
	if _, err := c.do(ctx, http.MethodGet, "/events/by-id/"+url.PathEscape(eventID), nil, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// --- Executions ---

// RunResponse is returned by Run.
type RunResponse struct {
	ExecutionID string        `json:"execution_id"`
	CatalogID   string        `json:"catalog_id"`
	Event       *schema.Event `json:"event"`
}

// Run starts an execution.
func (c *Client) Run(ctx context.Context, req orchestrator.RunRequest) (*RunResponse, error) {
	var res RunResponse
	if _, err := c.do(ctx, http.MethodPost, "/executions/run", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Execution returns the summary of one execution.
func (c *Client) Execution(ctx context.Context, executionID string) (*orchestrator.Summary, error) {
	var s orchestrator.Summary
	if _, err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Executions lists execution summaries.
func (c *Client) Executions(ctx context.Context, filter orchestrator.ExecutionFilter) ([]*orchestrator.Summary, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.ParentExecutionID != "" {
		q.Set("parent_execution_id", filter.ParentExecutionID)
	}
	if filter.CatalogID != "" {
		q.Set("catalog_id", filter.CatalogID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var res struct {
		Executions []*orchestrator.Summary `json:"executions"`
	}
	if _, err := c.do(ctx, http.MethodGet, withQuery("/executions", q), nil, &res); err != nil {
		return nil, err
	}
	return res.Executions, nil
}

// --- Queue ---

// Enqueue adds a job.
func (c *Client) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.EnqueueResult, error) {
	var res queue.EnqueueResult
	if _, err := c.do(ctx, http.MethodPost, "/queue/enqueue", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Lease claims the next job. A nil job means none is available.
func (c *Client) Lease(ctx context.Context, workerID string, leaseFor time.Duration) (*schema.QueueJob, error) {
	var job schema.QueueJob
	empty, err := c.do(ctx, http.MethodPost, "/queue/lease", api.LeaseRequest{
		WorkerID:     workerID,
		LeaseSeconds: int(leaseFor / time.Second),
	}, &job)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeLeaseConflict) {
			return nil, nil
		}
		return nil, err
	}
	if empty {
		return nil, nil
	}
	return &job, nil
}

// Complete marks a job leased by workerID done.
func (c *Client) Complete(ctx context.Context, queueID, workerID string) error {
	_, err := c.do(ctx, http.MethodPost, "/queue/"+url.PathEscape(queueID)+"/complete",
		api.CompleteRequest{WorkerID: workerID}, nil)
	return err
}

// Fail records a failed attempt.
func (c *Client) Fail(ctx context.Context, queueID, workerID string, retry bool, retryDelay time.Duration, lastError string) (*schema.QueueJob, error) {
	var job schema.QueueJob
	_, err := c.do(ctx, http.MethodPost, "/queue/"+url.PathEscape(queueID)+"/fail", api.FailRequest{
		WorkerID:     workerID,
		Retry:        retry,
		RetryDelayMS: retryDelay.Milliseconds(),
		Error:        lastError,
	}, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// QueueSize counts rows in status (queued when empty).
func (c *Client) QueueSize(ctx context.Context, status schema.JobStatus) (int, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var res struct {
		Size int `json:"size"`
	}
	if _, err := c.do(ctx, http.MethodGet, withQuery("/queue/size", q), nil, &res); err != nil {
		return 0, err
	}
	return res.Size, nil
}

// Jobs lists queue rows.
func (c *Client) Jobs(ctx context.Context, filter store.JobFilter) ([]*schema.QueueJob, error) {
	q := url.Values{}
	if filter.ExecutionID != "" {
		q.Set("execution_id", filter.ExecutionID)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var res struct {
		Jobs []*schema.QueueJob `json:"jobs"`
	}
	if _, err := c.do(ctx, http.MethodGet, withQuery("/queue", q), nil, &res); err != nil {
		return nil, err
	}
	return res.Jobs, nil
}

// --- Worker pools ---

// RegisterPool registers (or re-registers) a worker pool.
func (c *Client) RegisterPool(ctx context.Context, pool *store.WorkerPool) error {
	_, err := c.do(ctx, http.MethodPost, "/worker/pool/register", pool, pool)
	return err
}

// Heartbeat keeps a pool alive.
func (c *Client) Heartbeat(ctx context.Context, name string, registration *store.WorkerPool) error {
	_, err := c.do(ctx, http.MethodPost, "/worker/pool/heartbeat", api.HeartbeatRequest{
		Name:         name,
		Registration: registration,
	}, nil)
	return err
}

// DeregisterPool marks a pool offline.
func (c *Client) DeregisterPool(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, "/worker/pool/deregister?name="+url.QueryEscape(name), nil, nil)
	return err
}

// Pools lists registered worker pools.
func (c *Client) Pools(ctx context.Context) ([]*store.WorkerPool, error) {
	var res struct {
		Pools []*store.WorkerPool `json:"pools"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/worker/pools", nil, &res); err != nil {
		return nil, err
	}
	return res.Pools, nil
}

// --- Catalog ---

// RegisterResponse is returned by RegisterPlaybook.
type RegisterResponse struct {
	CatalogID string         `json:"catalog_id"`
	Path      string         `json:"path"`
	Version   string         `json:"version"`
	Report    *schema.Report `json:"report,omitempty"`
}

// RegisterPlaybook uploads playbook YAML.
func (c *Client) RegisterPlaybook(ctx context.Context, content []byte) (*RegisterResponse, error) {
	var res RegisterResponse
	if _, err := c.do(ctx, http.MethodPost, "/catalog/register", content, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Catalog lists registered playbook versions, optionally for one path.
func (c *Client) Catalog(ctx context.Context, path string) ([]*store.CatalogEntry, error) {
	q := url.Values{}
	if path != "" {
		q.Set("path", path)
	}
	var res struct {
		Entries []*store.CatalogEntry `json:"entries"`
	}
	if _, err := c.do(ctx, http.MethodGet, withQuery("/catalog", q), nil, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

var _ worker.Backend = (*Client)(nil)
