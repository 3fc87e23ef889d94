package relay

import (
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	manager   *Manager
	indexPath string
	logger    *slog.Logger
}

func NewHandler(manager *Manager, indexPath string, logger *slog.Logger) *Handler {
	return &Handler{
		manager:   manager,
		indexPath: indexPath,
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Root)
	e.GET("/listen", h.Listen)
}

// Root upgrades websocket requests and serves the index page otherwise.
func (h *Handler) Root(c echo.Context) error {
	if websocket.IsWebSocketUpgrade(c.Request()) {
		return h.Listen(c)
	}
	return c.File(h.indexPath)
}

func (h *Handler) Listen(c echo.Context) error {
	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return err
	}

	h.manager.Serve(ws, c.Request().URL.RawQuery)
	return nil
}
