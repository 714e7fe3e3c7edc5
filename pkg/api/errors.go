package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/store"
)

// mapDomainError maps component-layer errors to HTTP error responses.
func mapDomainError(err error) *echo.HTTPError {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, queue.ErrUnknownQueue) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected domain error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
