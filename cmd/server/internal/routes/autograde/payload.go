package autograde

import (
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/itsec-board/scoreboard/cmd/server/internal/models"
	"github.com/itsec-board/scoreboard/cmd/server/internal/response"
)

// FetchPayload streams the stored upload for an autograded submission. The
// download keeps the name the student uploaded under so the worker can honor
// its extension.
func (h *Handler) FetchPayload(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "FetchPayload")
	defer span.End()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse submission id")
		span.RecordError(err)
		return response.NotFoundError
	}

	submission, err := models.AutogradedSubmission(ctx, h.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "submission not found")
			span.RecordError(err)
			return response.NotFoundError
		}

		span.SetStatus(codes.Error, "failed to query submission")
		span.RecordError(err)
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "serve submission payload")
	return c.Attachment(submission.Filepath, submission.OriginalName)
}
