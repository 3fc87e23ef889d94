package bootstrap

import (
	"log/slog"
	"os"

	"github.com/eleven-am/voice-relay/internal/relay"
	"github.com/eleven-am/voice-relay/internal/replay"
	"github.com/eleven-am/voice-relay/internal/session"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

type HandlerParams struct {
	fx.In

	RelayHandler   *relay.Handler
	UploadHandler  *replay.Handler
	SessionHandler *session.Handler
	Config         *Config
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	api := e.Group("/v1")
	params.SessionHandler.RegisterRoutes(api.Group("/metrics"))

	params.UploadHandler.RegisterRoutes(e)
	params.RelayHandler.RegisterRoutes(e)

	e.Static("/", params.Config.StaticDir)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

func ProvideSessionHandler(store *session.Store, logger *slog.Logger) *session.Handler {
	return session.NewHandler(store, logger.With("handler", "session"))
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvideSessionHandler,
	),
	fx.Invoke(RegisterRoutes),
)
