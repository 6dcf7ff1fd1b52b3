package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"fx-rate-pipeline/internal/pipeline"
)

// Response is the envelope every JSON endpoint returns.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorDetail describes one request problem.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
	Params  map[string]any `json:"params,omitempty"`
}

func dataResponse(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

func success(c echo.Context, data any) error {
	return dataResponse(c, http.StatusOK, data)
}

func badRequest(c echo.Context, details []ErrorDetail) error {
	return dataResponse(c, http.StatusBadRequest, details)
}

func errorResponse(c echo.Context, status int, code string, err error) error {
	return dataResponse(c, status, []ErrorDetail{{Code: code, Message: err.Error()}})
}

// appError maps pipeline errors onto HTTP statuses.
func appError(c echo.Context, err error) error {
	switch {
	case pipeline.IsInputError(err):
		return errorResponse(c, http.StatusBadRequest, "ERR_INVALID_INPUT", err)
	case errors.Is(err, pipeline.ErrNoRates):
		return errorResponse(c, http.StatusServiceUnavailable, "ERR_NO_RATES", err)
	case errors.Is(err, pipeline.ErrCycleInProgress):
		return errorResponse(c, http.StatusConflict, "ERR_CYCLE_IN_PROGRESS", err)
	default:
		return dataResponse(c, http.StatusInternalServerError, []ErrorDetail{{Code: "ERR_INTERNAL", Message: "Something went wrong"}})
	}
}
