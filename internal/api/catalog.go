package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/dispatch/internal/store"
	"github.com/rendis/dispatch/pkg/schema"
)

// RegisterPlaybookRequest carries playbook YAML inside a JSON body.
type RegisterPlaybookRequest struct {
	Content string `json:"content"`
}

// registerPlaybook accepts either raw YAML or {"content": "..."}.
func (s *Server) registerPlaybook(c echo.Context) error {
	var content []byte
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var req RegisterPlaybookRequest
		if err := bind(c, &req); err != nil {
			return err
		}
		content = []byte(req.Content)
	} else {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, 4<<20))
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "read body: %v", err)
		}
		content = body
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "playbook content is required")
	}

	entry, report, err := s.deps.Catalog.Register(c.Request().Context(), content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"catalog_id": entry.CatalogID,
		"path":       entry.Path,
		"version":    entry.Version,
		"report":     report,
	})
}

func (s *Server) listCatalog(c echo.Context) error {
	entries, err := s.deps.Catalog.List(c.Request().Context(), store.CatalogFilter{
		Path:  c.QueryParam("path"),
		Limit: queryInt(c, "limit", 100),
	})
	if err != nil {
		return err
	}
	out := make([]*store.CatalogEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		if c.QueryParam("content") != "true" {
			cp.Content = ""
		}
		out = append(out, &cp)
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": out})
}
