package session

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/labstack/echo/v4"
)

const (
	defaultHours = 24
	maxHours     = 168
)

type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/models/:model", h.GetMetrics)
}

func (h *Handler) GetMetrics(c echo.Context) error {
	model := c.Param("model")
	if model == "" {
		return shared.BadRequest("missing_model", "model is required")
	}

	hours := defaultHours
	if hoursStr := c.QueryParam("hours"); hoursStr != "" {
		if hr, err := strconv.Atoi(hoursStr); err == nil && hr > 0 && hr <= maxHours {
			hours = hr
		}
	}

	metrics, err := h.store.GetMetrics(c.Request().Context(), model, hours)
	if err != nil {
		h.logger.Error("failed to get metrics", "error", err, "model", model)
		return shared.InternalError("get_metrics_failed", "failed to get metrics")
	}

	return c.JSON(http.StatusOK, MetricsListResponse{
		Model:   model,
		Hours:   hours,
		Metrics: metrics,
	})
}
