package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/nnxlm/internal/kvcache"
	"github.com/samcharles93/nnxlm/internal/model"
	"github.com/samcharles93/nnxlm/internal/session"
)

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, ErrorBody{Error: ErrorDetail{Message: msg, Type: errType}})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

// writeForwardError maps domain errors onto HTTP statuses.
func writeForwardError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return writeNotFound(c, err.Error())
	case errors.Is(err, session.ErrContextExceeded):
		return writeError(c, http.StatusRequestEntityTooLarge, "context_length_exceeded", err.Error())
	case errors.Is(err, model.ErrInput), errors.Is(err, session.ErrEmptyInput),
		errors.Is(err, kvcache.ErrShape), errors.Is(err, kvcache.ErrLayerRange):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusServiceUnavailable, "request_cancelled", err.Error())
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
}
