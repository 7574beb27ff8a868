package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/dispatch/internal/orchestrator"
	"github.com/rendis/dispatch/pkg/schema"
)

func (s *Server) listExecutions(c echo.Context) error {
	filter := orchestrator.ExecutionFilter{
		ParentExecutionID: c.QueryParam("parent_execution_id"),
		CatalogID:         c.QueryParam("catalog_id"),
		Limit:             queryInt(c, "limit", 50),
	}
	if raw := c.QueryParam("status"); raw != "" {
		status, err := schema.NormalizeStatus(raw)
		if err != nil {
			return err
		}
		filter.Status = status
	}
	list, err := s.deps.Executions.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": list})
}

func (s *Server) getExecution(c echo.Context) error {
	summary, err := s.deps.Executions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

// runExecution starts a playbook and returns its execution_start event.
func (s *Server) runExecution(c echo.Context) error {
	var req orchestrator.RunRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	start, err := s.deps.Runner.Run(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"execution_id": start.ExecutionID,
		"catalog_id":   start.CatalogID,
		"event":        start,
	})
}
