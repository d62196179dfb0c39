package autograde

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	servermiddleware "github.com/itsec-board/scoreboard/cmd/server/internal/middleware"
	"github.com/itsec-board/scoreboard/cmd/server/internal/models"
	"github.com/itsec-board/scoreboard/cmd/server/internal/response"
	"github.com/itsec-board/scoreboard/internal/types"
)

// PostResult records a worker's verdict for one submission. The output field
// must be present but may be empty: a program that prints nothing still ran.
// start_time is accepted for the worker's bookkeeping and not used in
// grading.
func (h *Handler) PostResult(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "PostResult")
	defer span.End()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse submission id")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse submission id"),
		)
	}

	type requestData struct {
		Output    *string  `form:"output"     validate:"required"`
		ForceFail bool     `form:"force_fail"`
		StartTime *float64 `form:"start_time"`
	}

	var rdata requestData

	span.AddEvent("parsing request body")
	err = c.Bind(&rdata)
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse request data")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse request data"),
		)
	}

	span.AddEvent("validating request body")
	err = c.Validate(rdata)
	if err != nil {
		span.SetStatus(codes.Error, "failed to validate request data")
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusBadRequest, types.ValidationError(err))
	}

	if rdata.StartTime != nil {
		span.SetAttributes(attribute.Float64("start_time", *rdata.StartTime))
	}

	verdict, err := models.ApplyResult(
		ctx, h.DB, h.Policy, id,
		*rdata.Output, rdata.ForceFail,
		servermiddleware.RequestReceived(c),
	)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			span.SetStatus(codes.Error, "submission not found")
			span.RecordError(err)
			return echo.NewHTTPError(
				http.StatusBadRequest,
				types.StringError("submission does not exist"),
			)
		}

		span.SetStatus(codes.Error, "failed to apply result")
		span.RecordError(err)
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "applied result")
	return c.JSON(http.StatusOK, types.ResultResponse{Result: verdict.String()})
}
