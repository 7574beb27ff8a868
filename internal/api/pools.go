package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// HeartbeatRequest keeps a pool alive. Registration recreates the pool when
// the server no longer knows it.
type HeartbeatRequest struct {
	Name         string            `json:"name"`
	Registration *store.WorkerPool `json:"registration,omitempty"`
}

func (s *Server) registerPool(c echo.Context) error {
	var pool store.WorkerPool
	if err := bind(c, &pool); err != nil {
		return err
	}
	registered, err := s.deps.Pools.Register(c.Request().Context(), &pool)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, registered)
}

func (s *Server) heartbeat(c echo.Context) error {
	var req HeartbeatRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "name is required")
	}
	if err := s.deps.Pools.Heartbeat(c.Request().Context(), req.Name, req.Registration); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"name": req.Name, "status": store.PoolReady})
}

// deregisterPool takes the pool name from the name query parameter or a
// JSON body.
func (s *Server) deregisterPool(c echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		var req HeartbeatRequest
		if err := bind(c, &req); err != nil {
			return err
		}
		name = req.Name
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "name is required")
	}
	if err := s.deps.Pools.Deregister(c.Request().Context(), name); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"name": name, "status": store.PoolOffline})
}

func (s *Server) listPools(c echo.Context) error {
	pools, err := s.deps.Pools.List(c.Request().Context())
	if err != nil {
		return err
	}
	if pools == nil {
		pools = []*store.WorkerPool{}
	}
	return c.JSON(http.StatusOK, map[string]any{"pools": pools})
}
