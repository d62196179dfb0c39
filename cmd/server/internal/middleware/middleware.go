package middleware

import (
	"go.opentelemetry.io/otel"
)

const name string = "github.com/itsec-board/scoreboard/cmd/server/internal/middleware"

var tracer = otel.Tracer(name)
