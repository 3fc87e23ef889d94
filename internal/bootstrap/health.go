package bootstrap

import (
	"github.com/eleven-am/voice-relay/internal/health"
	"github.com/eleven-am/voice-relay/internal/relay"
	"github.com/eleven-am/voice-relay/internal/replay"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

const version = "1.0.0"

func ProvideHealthHandler(redis *redis.Client, manager *relay.Manager, registry *replay.Registry, cfg *Config) *health.Handler {
	return health.NewHandler(health.Config{
		Redis:          redis,
		Relay:          manager,
		UploadsDir:     registry.Dir(),
		UpstreamKeySet: cfg.DeepgramAPIKey != "",
		Version:        version,
	})
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(h.Middleware())
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
