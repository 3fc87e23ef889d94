package bootstrap

import (
	"log/slog"

	"github.com/eleven-am/voice-relay/internal/audio"
	"github.com/eleven-am/voice-relay/internal/relay"
	"github.com/eleven-am/voice-relay/internal/replay"
	"github.com/eleven-am/voice-relay/internal/session"
	"github.com/eleven-am/voice-relay/internal/transcription"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvideRegistry(cfg *Config, logger *slog.Logger) (*replay.Registry, error) {
	registry := replay.NewRegistry(cfg.UploadsDir, logger)
	if err := registry.EnsureDir(); err != nil {
		return nil, err
	}
	return registry, nil
}

// ProvideProber reads WAV headers directly and falls back to ffprobe for
// every other container.
func ProvideProber(cfg *Config) audio.Prober {
	return audio.ChainProber{
		audio.WAVProber{},
		audio.FFProbe{Binary: cfg.FFProbePath},
	}
}

func ProvideTranscriptionConfig(cfg *Config) transcription.Config {
	return transcription.Config{
		URL:    cfg.DeepgramURL,
		APIKey: cfg.DeepgramAPIKey,
	}
}

func ProvideMetricsStore(client *redis.Client) *session.Store {
	return session.NewStore(client)
}

func ProvideRelayManager(
	registry *replay.Registry,
	prober audio.Prober,
	sttConfig transcription.Config,
	store *session.Store,
	cfg *Config,
	logger *slog.Logger,
) *relay.Manager {
	return relay.NewManager(relay.ManagerConfig{
		Registry:     registry,
		Prober:       prober,
		Upstream:     relay.NewUpstreamFactory(sttConfig, logger),
		Recorder:     store,
		DefaultModel: cfg.DefaultModel,
		Log:          logger,
	})
}

func ProvideRelayHandler(manager *relay.Manager, cfg *Config, logger *slog.Logger) *relay.Handler {
	return relay.NewHandler(manager, cfg.IndexHTML, logger.With("handler", "relay"))
}

func ProvideUploadHandler(registry *replay.Registry, cfg *Config, logger *slog.Logger) *replay.Handler {
	return replay.NewHandler(replay.HandlerConfig{
		Registry: registry,
		MaxBytes: cfg.UploadMaxBytes,
		Limiter: replay.RateLimiter(replay.RateLimiterConfig{
			RequestsPerSecond: cfg.UploadRateRPS,
			Burst:             cfg.UploadRateBurst,
		}),
		Logger: logger.With("handler", "upload"),
	})
}

var RelayModule = fx.Options(
	fx.Provide(
		ProvideRegistry,
		ProvideProber,
		ProvideTranscriptionConfig,
		ProvideMetricsStore,
		ProvideRelayManager,
		ProvideRelayHandler,
		ProvideUploadHandler,
	),
)
