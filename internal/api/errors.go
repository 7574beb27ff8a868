package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/dispatch/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error *schema.DispatchError `json:"error"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeInvalidStatus:
		return http.StatusBadRequest
	case schema.ErrCodeCatalogResolution, schema.ErrCodeRender:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeLeaseConflict:
		return http.StatusConflict
	case schema.ErrCodeActionUnavailable, schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders DispatchErrors with their mapped status and every
// other error as a 500. echo's own HTTP errors keep their status.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			body   errorBody
		)
		var de *schema.DispatchError
		var he *echo.HTTPError
		switch {
		case errors.As(err, &de):
			status = statusFor(de.Code)
			body.Error = de
		case errors.As(err, &he):
			status = he.Code
			body.Error = schema.NewErrorf(httpCode(he.Code), "%v", he.Message)
		default:
			status = http.StatusInternalServerError
			body.Error = schema.NewError(schema.ErrCodeStore, err.Error())
		}
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed", "path", c.Path(), "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Warn("write error response", "error", err)
		}
	}
}

func httpCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return schema.ErrCodeNotFound
	case http.StatusConflict:
		return schema.ErrCodeConflict
	default:
		if status < http.StatusInternalServerError {
			return schema.ErrCodeValidation
		}
		return schema.ErrCodeExecution
	}
}

// bind decodes the request body into v, reporting failures as validation errors.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %v", err).WithCause(err)
	}
	return nil
}
