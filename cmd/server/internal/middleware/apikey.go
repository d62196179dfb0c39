package middleware

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/codes"

	"github.com/itsec-board/scoreboard/cmd/server/internal/response"
)

// APIKey guards the autograde surface with the deployment's pre-shared key,
// passed by the worker as the APIKEY query parameter. The key never lives in
// the database; a mismatch is a plain 403 with no detail.
func APIKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			_, span := tracer.Start(c.Request().Context(), "APIKey")
			defer span.End()

			provided := c.QueryParam("APIKEY")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				span.SetStatus(codes.Error, "api key mismatch")
				return response.ForbiddenError
			}

			span.RecordError(nil)
			span.SetStatus(codes.Ok, "api key accepted")
			return next(c)
		}
	}
}
