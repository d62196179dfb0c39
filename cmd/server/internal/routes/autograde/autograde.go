// Package autograde exposes the grading queue to execution workers: queue
// listing, payload download and result upload. The whole surface sits behind
// the pre-shared API key; students never talk to it.
package autograde

import (
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	servermiddleware "github.com/itsec-board/scoreboard/cmd/server/internal/middleware"
	"github.com/itsec-board/scoreboard/cmd/server/internal/models"
	"github.com/itsec-board/scoreboard/internal/config"

	"github.com/labstack/echo/v4"
)

const name string = "github.com/itsec-board/scoreboard/cmd/server/internal/routes/autograde"

var tracer = otel.Tracer(name)

type Handler struct {
	DB     *gorm.DB
	Policy models.FlagPolicy
	APIKey string
}

func NewHandler(db *gorm.DB, cfg *config.Config) *Handler {
	return &Handler{
		DB: db,
		Policy: models.FlagPolicy{
			Prefix:         cfg.Flag.Prefix,
			ValidStartUsec: uint64(cfg.Flag.ValidStart) * 1e6,
			ValidEndUsec:   uint64(cfg.Flag.ValidEnd) * 1e6,
		},
		APIKey: cfg.APIKey,
	}
}

func (h *Handler) AddRoutes(e *echo.Echo) {
	group := e.Group("/autograde", servermiddleware.APIKey(h.APIKey))

	group.GET("/", h.ListQueue)
	group.GET("/:id/", h.FetchPayload)
	group.POST("/:id/", h.PostResult)
}
