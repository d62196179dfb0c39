package autograde

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/codes"

	"github.com/itsec-board/scoreboard/cmd/server/internal/models"
	"github.com/itsec-board/scoreboard/cmd/server/internal/response"
)

// ListQueue returns the pending submissions a worker may pick up, oldest
// first. Superseded submissions never appear here.
func (h *Handler) ListQueue(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListQueue")
	defer span.End()

	entries, err := models.PendingQueue(ctx, h.DB)
	if err != nil {
		span.SetStatus(codes.Error, "failed to query pending queue")
		span.RecordError(err)
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "list pending queue")
	return c.JSON(http.StatusOK, entries)
}
