package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// emitEvent stores an event and returns it. A deduplicated emit returns the
// existing event with 200; a new one 201.
func (s *Server) emitEvent(c echo.Context) error {
	var ev schema.Event
	if err := bind(c, &ev); err != nil {
		return err
	}
	res, err := s.deps.Events.Emit(c.Request().Context(), &ev)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if res.Deduped {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

// eventsByExecution lists an execution's events in causal order. Optional
// query filters: type (comma separated), node_name, limit.
func (s *Server) eventsByExecution(c echo.Context) error {
	filter := store.EventFilter{
		ExecutionID: c.Param("id"),
		NodeName:    c.QueryParam("node_name"),
		Limit:       queryInt(c, "limit", 0),
	}
	if types := c.QueryParam("type"); types != "" {
		filter.Types = splitList(types)
	}
	events, err := s.deps.Events.Find(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if events == nil {
		events = []*schema.Event{}
	}
	return c.JSON(http.StatusOK, map[string]any{"execution_id": filter.ExecutionID, "events": events})
}

func (s *Server) eventByID(c echo.Context) error {
	ev, err := s.deps.Events.ByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ev)
}

// queryInt extracts an integer query param with a default value.
func queryInt(c echo.Context, key string, def int) int {
	v := c.QueryParam(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
